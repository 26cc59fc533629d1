// Package natscomm implements comm.Communicator on top of NATS core
// publish/subscribe so that the workers of one computation can live in
// separate processes or on separate hosts.
//
// Every collective is numbered by a per-worker sequence counter. Because all
// workers issue the same collectives in the same order, the counters agree and
// the subject romsvd.<group>.c.<seq>.<rank> identifies one contribution.
// Contributions larger than the server's maximum payload are sent as numbered
// pieces on that subject and joined by the receivers.
package natscomm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/yyyoichi/romsvd/comm"
)

var (
	ErrInvalidConfig = errors.New("invalid nats communicator config")
	ErrClosed        = errors.New("nats communicator closed")
	ErrBadFrame      = errors.New("malformed collective frame")
)

const (
	subjectRoot = "romsvd"

	headerOp     = "Romsvd-Op"
	headerCodec  = "Romsvd-Codec"
	headerLen    = "Romsvd-Len"
	headerPiece  = "Romsvd-Piece"
	headerPieces = "Romsvd-Pieces"

	// headerReserve is kept free of payload in every message for the headers.
	headerReserve = 256

	opInts   = "ints"
	opFloats = "floats"

	// DefaultCompressThreshold is the payload size in bytes above which float
	// frames are LZ4 compressed.
	DefaultCompressThreshold = 4096
	// DefaultJoinInterval is how often a joining worker announces itself.
	DefaultJoinInterval = 50 * time.Millisecond
)

// Config identifies this worker within a group.
type Config struct {
	// Group names the computation; workers of one computation share it.
	Group string
	Rank  int
	Size  int
	// CompressThreshold overrides DefaultCompressThreshold; negative disables compression.
	CompressThreshold int
	// JoinInterval overrides DefaultJoinInterval.
	JoinInterval time.Duration
	// Buffer is the capacity of the inbound message channel (default 1024).
	Buffer int
}

func (c *Config) validate() error {
	if c.Group == "" || strings.ContainsAny(c.Group, ".*> ") {
		return fmt.Errorf("%w: group %q", ErrInvalidConfig, c.Group)
	}
	if c.Size < 1 {
		return fmt.Errorf("%w: size %d", ErrInvalidConfig, c.Size)
	}
	if c.Rank < 0 || c.Rank >= c.Size {
		return fmt.Errorf("%w: rank %d of %d", ErrInvalidConfig, c.Rank, c.Size)
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = DefaultCompressThreshold
	}
	if c.JoinInterval <= 0 {
		c.JoinInterval = DefaultJoinInterval
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	return nil
}

var _ comm.Communicator = (*Communicator)(nil)

// Communicator is one worker's endpoint of a NATS-backed group.
type Communicator struct {
	nc  *nats.Conn
	cfg Config

	sub   *nats.Subscription
	inbox chan *nats.Msg

	seq     uint64
	pending map[uint64][]*nats.Msg
}

// Join subscribes to the group and blocks until every worker of the group has
// subscribed too. It is the explicit bootstrap step of a NATS computation and
// must be called exactly once per worker before any collective.
func Join(ctx context.Context, nc *nats.Conn, cfg Config) (*Communicator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Communicator{
		nc:      nc,
		cfg:     cfg,
		inbox:   make(chan *nats.Msg, cfg.Buffer),
		pending: make(map[uint64][]*nats.Msg),
	}
	sub, err := nc.ChanSubscribe(c.subject(">"), c.inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribe group %s: %w", cfg.Group, err)
	}
	c.sub = sub
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	if err := c.join(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return c, nil
}

// join announces this rank until hellos from all ranks were seen. Each hello
// is sent after its sender subscribed, so once every rank was heard from, all
// of them receive the final hello and any later collective.
func (c *Communicator) join(ctx context.Context) error {
	seen := make([]bool, c.cfg.Size)
	missing := c.cfg.Size
	hello := func() error {
		return c.nc.Publish(c.subject("join"), []byte(strconv.Itoa(c.cfg.Rank)))
	}
	if err := hello(); err != nil {
		return fmt.Errorf("announce rank %d: %w", c.cfg.Rank, err)
	}
	ticker := time.NewTicker(c.cfg.JoinInterval)
	defer ticker.Stop()
	for missing > 0 {
		select {
		case msg, ok := <-c.inbox:
			if !ok {
				return ErrClosed
			}
			if msg.Subject != c.subject("join") {
				c.stash(msg)
				continue
			}
			rank, err := strconv.Atoi(string(msg.Data))
			if err != nil || rank < 0 || rank >= c.cfg.Size {
				return fmt.Errorf("%w: join from %q", ErrBadFrame, msg.Data)
			}
			if !seen[rank] {
				seen[rank] = true
				missing--
			}
		case <-ticker.C:
			if err := hello(); err != nil {
				return fmt.Errorf("announce rank %d: %w", c.cfg.Rank, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := hello(); err != nil {
		return fmt.Errorf("announce rank %d: %w", c.cfg.Rank, err)
	}
	return c.nc.Flush()
}

func (c *Communicator) Rank() int { return c.cfg.Rank }

func (c *Communicator) Size() int { return c.cfg.Size }

// Close leaves the group. The NATS connection stays open.
func (c *Communicator) Close() error {
	return c.sub.Unsubscribe()
}

func (c *Communicator) AllGatherInts(ctx context.Context, v int) ([]int, error) {
	frames, err := c.exchange(ctx, opInts, encodeInts([]int{v}), "raw", 1)
	if err != nil {
		return nil, err
	}
	out := make([]int, c.cfg.Size)
	for rank, f := range frames {
		ints, err := decodeInts(f.data, f.n)
		if err != nil {
			return nil, err
		}
		if len(ints) != 1 {
			return nil, fmt.Errorf("%w: rank %d sent %d ints", ErrBadFrame, rank, len(ints))
		}
		out[rank] = ints[0]
	}
	return out, nil
}

func (c *Communicator) AllGatherFloats(ctx context.Context, v []float64) ([][]float64, error) {
	payload := encodeFloats(v)
	codec := "raw"
	if c.cfg.CompressThreshold > 0 && len(payload) > c.cfg.CompressThreshold {
		if compressed, ok := compressLZ4(payload); ok {
			payload, codec = compressed, "lz4"
		}
	}
	frames, err := c.exchange(ctx, opFloats, payload, codec, len(v))
	if err != nil {
		return nil, err
	}
	out := make([][]float64, c.cfg.Size)
	for rank, f := range frames {
		data := f.data
		if f.codec == "lz4" {
			if data, err = uncompressLZ4(data, f.n*8); err != nil {
				return nil, fmt.Errorf("%w: rank %d: %w", ErrBadFrame, rank, err)
			}
		}
		if out[rank], err = decodeFloats(data, f.n); err != nil {
			return nil, fmt.Errorf("rank %d: %w", rank, err)
		}
	}
	return out, nil
}

type frame struct {
	codec string
	n     int
	data  []byte
}

// partial collects the pieces of one rank's contribution.
type partial struct {
	codec  string
	n      int
	pieces [][]byte
	have   int
}

func (p *partial) join() []byte {
	if len(p.pieces) == 1 {
		return p.pieces[0]
	}
	size := 0
	for _, piece := range p.pieces {
		size += len(piece)
	}
	out := make([]byte, 0, size)
	for _, piece := range p.pieces {
		out = append(out, piece...)
	}
	return out
}

// pieceSize is the largest payload one message may carry.
func (c *Communicator) pieceSize() int {
	return max(1, int(c.nc.MaxPayload())-headerReserve)
}

// split cuts payload into pieces no larger than size. An empty payload is
// one empty piece.
func split(payload []byte, size int) [][]byte {
	if len(payload) <= size {
		return [][]byte{payload}
	}
	pieces := make([][]byte, 0, (len(payload)+size-1)/size)
	for len(payload) > size {
		pieces = append(pieces, payload[:size])
		payload = payload[size:]
	}
	return append(pieces, payload)
}

func (c *Communicator) exchange(ctx context.Context, op string, payload []byte, codec string, n int) ([]frame, error) {
	c.seq++
	seq := c.seq

	subject := c.subject("c", strconv.FormatUint(seq, 10), strconv.Itoa(c.cfg.Rank))
	pieces := split(payload, c.pieceSize())
	for i, piece := range pieces {
		msg := nats.NewMsg(subject)
		msg.Header.Set(headerOp, op)
		msg.Header.Set(headerCodec, codec)
		msg.Header.Set(headerLen, strconv.Itoa(n))
		msg.Header.Set(headerPiece, strconv.Itoa(i))
		msg.Header.Set(headerPieces, strconv.Itoa(len(pieces)))
		msg.Data = piece
		if err := c.nc.PublishMsg(msg); err != nil {
			return nil, fmt.Errorf("publish collective %d piece %d/%d: %w", seq, i+1, len(pieces), err)
		}
	}

	parts := make([]*partial, c.cfg.Size)
	frames := make([]frame, c.cfg.Size)
	got := 0
	collect := func(m *nats.Msg) error {
		rank, err := c.rankOf(m, seq)
		if err != nil {
			return err
		}
		if other := m.Header.Get(headerOp); other != op {
			return fmt.Errorf("%w: rank %d called %s, rank %d called %s", comm.ErrCollectiveMismatch, rank, other, c.cfg.Rank, op)
		}
		piece, total, err := pieceOf(m)
		if err != nil {
			return err
		}
		p := parts[rank]
		if p == nil {
			n, err := strconv.Atoi(m.Header.Get(headerLen))
			if err != nil {
				return fmt.Errorf("%w: length header: %w", ErrBadFrame, err)
			}
			p = &partial{codec: m.Header.Get(headerCodec), n: n, pieces: make([][]byte, total)}
			parts[rank] = p
		}
		if total != len(p.pieces) || p.pieces[piece] != nil {
			return fmt.Errorf("%w: rank %d piece %d/%d of collective %d", ErrBadFrame, rank, piece+1, total, seq)
		}
		data := m.Data
		if data == nil {
			data = []byte{}
		}
		p.pieces[piece] = data
		p.have++
		if p.have == total {
			frames[rank] = frame{codec: p.codec, n: p.n, data: p.join()}
			got++
		}
		return nil
	}

	for _, m := range c.pending[seq] {
		if err := collect(m); err != nil {
			return nil, err
		}
	}
	delete(c.pending, seq)

	for got < c.cfg.Size {
		select {
		case m, ok := <-c.inbox:
			if !ok {
				return nil, ErrClosed
			}
			s, ok := c.seqOf(m)
			switch {
			case !ok:
				// late hello from a peer still finishing Join
				continue
			case s > seq:
				c.pending[s] = append(c.pending[s], m)
				continue
			case s < seq:
				continue
			}
			if err := collect(m); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return frames, nil
}

// pieceOf reads the piece headers. Messages without them are a single piece.
func pieceOf(m *nats.Msg) (piece, total int, err error) {
	if m.Header.Get(headerPieces) == "" {
		return 0, 1, nil
	}
	piece, err = strconv.Atoi(m.Header.Get(headerPiece))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: piece header: %w", ErrBadFrame, err)
	}
	total, err = strconv.Atoi(m.Header.Get(headerPieces))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: pieces header: %w", ErrBadFrame, err)
	}
	if total < 1 || piece < 0 || piece >= total {
		return 0, 0, fmt.Errorf("%w: piece %d of %d", ErrBadFrame, piece, total)
	}
	return piece, total, nil
}

func (c *Communicator) stash(m *nats.Msg) {
	if s, ok := c.seqOf(m); ok {
		c.pending[s] = append(c.pending[s], m)
	}
}

// seqOf parses romsvd.<group>.c.<seq>.<rank>.
func (c *Communicator) seqOf(m *nats.Msg) (uint64, bool) {
	parts := strings.Split(m.Subject, ".")
	if len(parts) != 5 || parts[2] != "c" {
		return 0, false
	}
	s, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return 0, false
	}
	return s, true
}

func (c *Communicator) rankOf(m *nats.Msg, seq uint64) (int, error) {
	parts := strings.Split(m.Subject, ".")
	rank, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || rank < 0 || rank >= c.cfg.Size {
		return 0, fmt.Errorf("%w: subject %s for collective %d", ErrBadFrame, m.Subject, seq)
	}
	return rank, nil
}

func (c *Communicator) subject(tokens ...string) string {
	return strings.Join(append([]string{subjectRoot, c.cfg.Group}, tokens...), ".")
}
