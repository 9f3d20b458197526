// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package capture

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"grimm.is/netshape/internal/errors"
)

// rawSender emits complete IPv4 datagrams carrying a firewall mark.
type rawSender struct {
	pc *net.IPConn
	rc *ipv4.RawConn
}

func newRawSender(mark uint32) (*rawSender, error) {
	pc, err := net.ListenPacket("ip4:255", "0.0.0.0")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindOSAPI, "open raw socket")
	}
	ipc := pc.(*net.IPConn)

	sc, err := ipc.SyscallConn()
	if err != nil {
		pc.Close()
		return nil, errors.Wrap(err, errors.KindOSAPI, "raw socket control")
	}
	var serr error
	if err := sc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
	}); err != nil {
		serr = err
	}
	if serr != nil {
		pc.Close()
		return nil, errors.Wrap(serr, errors.KindOSAPI, "set SO_MARK")
	}

	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, errors.Wrap(err, errors.KindOSAPI, "raw ipv4 conn")
	}
	return &rawSender{pc: ipc, rc: rc}, nil
}

// Send writes data, a full IPv4 datagram, as is.
func (s *rawSender) Send(data []byte) error {
	if len(data) == 0 || data[0]>>4 != 4 {
		return errors.New(errors.KindOSAPI, "duplicate injection supports ipv4 only")
	}
	h, err := ipv4.ParseHeader(data)
	if err != nil {
		return errors.Wrap(err, errors.KindMalformed, "parse ipv4 header")
	}
	if err := s.rc.WriteTo(h, data[h.Len:], nil); err != nil {
		return errors.Wrap(err, errors.KindOSAPI, "send duplicate")
	}
	return nil
}

func (s *rawSender) Close() error {
	return s.rc.Close()
}
