// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/rules"
)

// NFQueueConfig configures an NFQueueAdapter.
type NFQueueConfig struct {
	Adapter  string
	QueueNum uint16
	// DupMark tags re-injected copies so the queue rule lets them through.
	DupMark     uint32
	MaxQueueLen uint32
	// Table is the nftables table owned by the adapter.
	Table string
}

// DefaultNFQueueConfig returns defaults for adapter.
func DefaultNFQueueConfig(adapter string) NFQueueConfig {
	return NFQueueConfig{
		Adapter:     adapter,
		QueueNum:    42,
		DupMark:     0x4e53,
		MaxQueueLen: 4096,
		Table:       "netshape",
	}
}

// NFQueueAdapter captures packets through an nftables queue rule. Verdicts
// are deferred until Inject or Drop.
type NFQueueAdapter struct {
	cfg    NFQueueConfig
	logger *logging.Logger

	nf      *nfqueue.Nfqueue
	nft     *nftables.Conn
	table   *nftables.Table
	dup     *rawSender
	cancel  context.CancelFunc
	packets chan *Packet
	errs    chan error

	overflow atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewNFQueueAdapter installs the queue rules and starts receiving.
func NewNFQueueAdapter(cfg NFQueueConfig, logger *logging.Logger) (*NFQueueAdapter, error) {
	if logger == nil {
		logger = logging.WithComponent("nfqueue")
	}
	if cfg.Table == "" {
		cfg.Table = "netshape"
	}
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = 4096
	}

	a := &NFQueueAdapter{
		cfg:     cfg,
		logger:  logger.With("adapter", cfg.Adapter),
		packets: make(chan *Packet, cfg.MaxQueueLen),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}

	if err := a.installRules(); err != nil {
		return nil, err
	}

	dup, err := newRawSender(cfg.DupMark)
	if err != nil {
		a.removeRules()
		return nil, err
	}
	a.dup = dup

	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      cfg.QueueNum,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		a.dup.Close()
		a.removeRules()
		return nil, errors.Wrapf(err, errors.KindOSAPI, "open nfqueue %d", cfg.QueueNum)
	}
	a.nf = nf

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if err := nf.RegisterWithErrorFunc(ctx, a.hook, a.onError); err != nil {
		cancel()
		nf.Close()
		a.dup.Close()
		a.removeRules()
		return nil, errors.Wrap(err, errors.KindOSAPI, "register nfqueue hook")
	}

	a.logger.Info("nfqueue capture started", "queue", cfg.QueueNum)
	return a, nil
}

func (a *NFQueueAdapter) hook(attr nfqueue.Attribute) int {
	if attr.PacketID == nil || attr.Payload == nil {
		return 0
	}
	id := *attr.PacketID

	dir := rules.Outbound
	if attr.InDev != nil {
		dir = rules.Inbound
	}
	data := append([]byte(nil), (*attr.Payload)...)
	h, err := DecodeHeader(data, dir)
	if err != nil {
		a.nf.SetVerdict(id, nfqueue.NfAccept)
		return 0
	}
	h.Adapter = a.cfg.Adapter

	ts := time.Now()
	if attr.Timestamp != nil {
		ts = *attr.Timestamp
	}

	select {
	case a.packets <- &Packet{Header: h, Data: data, Timestamp: ts, token: id}:
	default:
		// Backlog full: fail open.
		a.overflow.Add(1)
		a.nf.SetVerdict(id, nfqueue.NfAccept)
	}
	return 0
}

func (a *NFQueueAdapter) onError(err error) int {
	if errors.Is(err, unix.ENOBUFS) {
		a.logger.Warn("nfqueue receive buffer overrun", "error", err)
		return 0
	}
	select {
	case a.errs <- errors.Wrap(err, errors.KindOSAPI, "nfqueue receive"):
	default:
	}
	return 1
}

func (a *NFQueueAdapter) Name() string { return a.cfg.Adapter }

func (a *NFQueueAdapter) Receive(ctx context.Context) (*Packet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.closed:
		return nil, errors.ErrClosed
	case err := <-a.errs:
		return nil, err
	case p := <-a.packets:
		return p, nil
	}
}

func (a *NFQueueAdapter) Inject(p *Packet) error {
	id, ok := p.token.(uint32)
	if !ok {
		return a.dup.Send(p.Data)
	}
	var err error
	if p.Mark != 0 {
		err = a.nf.SetVerdictWithMark(id, nfqueue.NfAccept, int(p.Mark))
	} else {
		err = a.nf.SetVerdict(id, nfqueue.NfAccept)
	}
	if err != nil {
		return errors.Wrap(err, errors.KindOSAPI, "accept verdict")
	}
	return nil
}

func (a *NFQueueAdapter) Drop(p *Packet) error {
	id, ok := p.token.(uint32)
	if !ok {
		return nil
	}
	if err := a.nf.SetVerdict(id, nfqueue.NfDrop); err != nil {
		return errors.Wrap(err, errors.KindOSAPI, "drop verdict")
	}
	return nil
}

// Close stops capture and removes the queue rules. Packets still queued in
// the kernel are accepted because the rule carries the bypass flag.
func (a *NFQueueAdapter) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		close(a.closed)
		a.cancel()
		for {
			select {
			case p := <-a.packets:
				a.Inject(p)
				continue
			default:
			}
			break
		}
		if err := a.nf.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.KindOSAPI, "close nfqueue"))
		}
		if err := a.dup.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.removeRules(); err != nil {
			errs = append(errs, err)
		}
		if n := a.overflow.Load(); n > 0 {
			a.logger.Warn("packets accepted unshaped due to capture backlog", "count", n)
		}
	})
	return errors.Join(errs...)
}

func (a *NFQueueAdapter) installRules() error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindOSAPI, "open nftables")
	}
	a.nft = conn
	a.table = conn.AddTable(&nftables.Table{Name: a.cfg.Table, Family: nftables.TableFamilyINet})

	hooks := []struct {
		name string
		dir  rules.Direction
		hook *nftables.ChainHook
		meta expr.MetaKey
	}{
		{"output", rules.Outbound, nftables.ChainHookOutput, expr.MetaKeyOIFNAME},
		{"input", rules.Inbound, nftables.ChainHookInput, expr.MetaKeyIIFNAME},
	}
	for _, h := range hooks {
		chain := conn.AddChain(&nftables.Chain{
			Name:     h.name,
			Table:    a.table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  h.hook,
			Priority: nftables.ChainPriorityMangle,
		})
		conn.AddRule(&nftables.Rule{
			Table:    a.table,
			Chain:    chain,
			UserData: []byte(QueueRuleTag(h.dir, a.cfg.Adapter)),
			Exprs: []expr.Any{
				&expr.Meta{Key: h.meta, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(a.cfg.Adapter)},
				&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
				&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(a.cfg.DupMark)},
				&expr.Counter{},
				&expr.Queue{Num: a.cfg.QueueNum, Flag: expr.QueueFlagBypass},
			},
		})
	}
	if err := conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindOSAPI, "install nftables queue rules")
	}
	return nil
}

func (a *NFQueueAdapter) removeRules() error {
	if a.nft == nil || a.table == nil {
		return nil
	}
	a.nft.DelTable(a.table)
	if err := a.nft.Flush(); err != nil {
		return errors.Wrap(err, errors.KindOSAPI, "remove nftables table")
	}
	return nil
}

func ifname(n string) []byte {
	b := make([]byte, 16)
	copy(b, n+"\x00")
	return b
}
