// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"context"
	"encoding/binary"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/netshape/internal/clock"
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/rules"
)

// PcapConfig configures a PcapAdapter.
type PcapConfig struct {
	Name string
	// Speed scales replay timing: 1 replays in real time, 2 twice as fast.
	// Zero or negative replays as fast as possible.
	Speed float64
	// LocalNet classifies direction: sources inside it are outbound. When
	// unset every packet is given Direction.
	LocalNet  netip.Prefix
	Direction rules.Direction
}

// PcapAdapter replays a capture file and writes injected packets to another.
type PcapAdapter struct {
	cfg    PcapConfig
	clk    clock.Clock
	logger *logging.Logger
	r      *pcapgo.Reader
	link   layers.LinkType

	readMu    sync.Mutex
	first     time.Time
	start     time.Time
	seq       uint64
	malformed int

	writeMu sync.Mutex
	w       *pcapgo.Writer
	written int
	dropped int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPcapAdapter reads packets from in and, when out is non-nil, writes
// injected packets to it as a raw-IP pcap.
func NewPcapAdapter(cfg PcapConfig, in io.Reader, out io.Writer, clk clock.Clock, logger *logging.Logger) (*PcapAdapter, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.WithComponent("pcap")
	}
	if cfg.Name == "" {
		cfg.Name = "pcap"
	}
	r, err := pcapgo.NewReader(in)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindOSAPI, "open pcap input")
	}
	a := &PcapAdapter{
		cfg:    cfg,
		clk:    clk,
		logger: logger,
		r:      r,
		link:   r.LinkType(),
		closed: make(chan struct{}),
	}
	switch a.link {
	case layers.LinkTypeEthernet, layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6,
		layers.LinkTypeLinuxSLL, layers.LinkTypeNull, layers.LinkTypeLoop:
	default:
		return nil, errors.Errorf(errors.KindConfig, "unsupported pcap link type %s", a.link)
	}
	if out != nil {
		a.w = pcapgo.NewWriter(out)
		if err := a.w.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
			return nil, errors.Wrap(err, errors.KindOSAPI, "write pcap header")
		}
	}
	return a, nil
}

func (a *PcapAdapter) Name() string { return a.cfg.Name }

// Receive returns the next IP packet, pacing replay by the capture timestamps.
// It returns io.EOF when the file is exhausted.
func (a *PcapAdapter) Receive(ctx context.Context) (*Packet, error) {
	a.readMu.Lock()
	defer a.readMu.Unlock()

	for {
		select {
		case <-a.closed:
			return nil, errors.ErrClosed
		default:
		}

		data, ci, err := a.r.ReadPacketData()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.KindOSAPI, "read pcap")
		}

		ip := trimPadding(a.network(data))
		if ip == nil {
			continue
		}
		dir := a.direction(ip)
		h, err := DecodeHeader(ip, dir)
		if err != nil {
			a.malformed++
			continue
		}
		h.Adapter = a.cfg.Name

		if err := a.pace(ctx, ci.Timestamp); err != nil {
			return nil, err
		}
		a.seq++
		return &Packet{Header: h, Data: ip, Timestamp: a.clk.Now(), token: a.seq}, nil
	}
}

func (a *PcapAdapter) pace(ctx context.Context, ts time.Time) error {
	if a.first.IsZero() {
		a.first = ts
		a.start = a.clk.Now()
		return nil
	}
	if a.cfg.Speed <= 0 {
		return nil
	}
	due := a.start.Add(time.Duration(float64(ts.Sub(a.first)) / a.cfg.Speed))
	wait := due.Sub(a.clk.Now())
	if wait <= 0 {
		return nil
	}
	t := a.clk.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.closed:
		return errors.ErrClosed
	case <-t.C():
		return nil
	}
}

// network strips the link layer, returning nil for non-IP frames.
func (a *PcapAdapter) network(data []byte) []byte {
	switch a.link {
	case layers.LinkTypeEthernet:
		var eth layers.Ethernet
		if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil
		}
		if eth.EthernetType != layers.EthernetTypeIPv4 && eth.EthernetType != layers.EthernetTypeIPv6 {
			return nil
		}
		return eth.Payload
	case layers.LinkTypeLinuxSLL:
		var sll layers.LinuxSLL
		if err := sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil
		}
		return sll.Payload
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		if len(data) < 4 {
			return nil
		}
		return data[4:]
	default:
		return data
	}
}

// trimPadding cuts link-layer padding past the IP total length.
func trimPadding(ip []byte) []byte {
	if len(ip) == 0 {
		return nil
	}
	var n int
	switch ip[0] >> 4 {
	case 4:
		if len(ip) < 20 {
			return ip
		}
		n = int(binary.BigEndian.Uint16(ip[2:4]))
	case 6:
		if len(ip) < 40 {
			return ip
		}
		n = 40 + int(binary.BigEndian.Uint16(ip[4:6]))
	default:
		return ip
	}
	if n > 0 && n < len(ip) {
		return ip[:n]
	}
	return ip
}

func (a *PcapAdapter) direction(ip []byte) rules.Direction {
	if !a.cfg.LocalNet.IsValid() {
		return a.cfg.Direction
	}
	var src netip.Addr
	switch ip[0] >> 4 {
	case 4:
		if len(ip) >= 20 {
			src = netip.AddrFrom4([4]byte(ip[12:16]))
		}
	case 6:
		if len(ip) >= 40 {
			src = netip.AddrFrom16([16]byte(ip[8:24]))
		}
	}
	if src.IsValid() && a.cfg.LocalNet.Contains(src) {
		return rules.Outbound
	}
	return rules.Inbound
}

// Inject appends p to the output capture, timestamped with the current clock.
func (a *PcapAdapter) Inject(p *Packet) error {
	if a.w == nil {
		return nil
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     a.clk.Now(),
		CaptureLength: len(p.Data),
		Length:        len(p.Data),
	}
	if err := a.w.WritePacket(ci, p.Data); err != nil {
		return errors.Wrap(err, errors.KindOSAPI, "write pcap")
	}
	a.written++
	return nil
}

func (a *PcapAdapter) Drop(p *Packet) error {
	a.writeMu.Lock()
	a.dropped++
	a.writeMu.Unlock()
	return nil
}

func (a *PcapAdapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.writeMu.Lock()
		a.logger.Info("pcap replay closed", "written", a.written, "dropped", a.dropped)
		a.writeMu.Unlock()
	})
	return nil
}

// Written returns the number of packets written to the output capture.
func (a *PcapAdapter) Written() int {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.written
}
