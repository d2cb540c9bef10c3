package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// peer owns one connection and its read and write loops.
type peer struct {
	name     string
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	lastSeen atomic.Int64
	outSeq   atomic.Uint32

	maxPayload int
	heartbeat  time.Duration
	timeout    time.Duration

	sendCh    chan *Frame
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newPeer(name string, conn net.Conn, cfg Config) *peer {
	p := &peer{
		name:       name,
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, 64*1024),
		writer:     bufio.NewWriterSize(conn, 64*1024),
		maxPayload: cfg.MaxPayload,
		heartbeat:  cfg.HeartbeatInterval,
		timeout:    cfg.DisconnectTimeout,
		sendCh:     make(chan *Frame, cfg.SendQueueSize),
		closeCh:    make(chan struct{}),
	}
	p.lastSeen.Store(time.Now().UnixNano())
	return p
}

func (p *peer) send(f *Frame) error {
	select {
	case <-p.closeCh:
		return ErrPeerNotConnected
	default:
	}
	if len(f.Payload) > p.maxPayload {
		return ErrFrameTooLarge
	}
	f.Seq = p.outSeq.Add(1)
	select {
	case p.sendCh <- f:
		return nil
	case <-p.closeCh:
		return ErrPeerNotConnected
	default:
		return ErrSendQueueFull
	}
}

func (p *peer) close(err error) {
	p.closeOnce.Do(func() {
		p.closeErr = err
		close(p.closeCh)
		_ = p.conn.Close()
	})
}

func (p *peer) done() <-chan struct{} {
	return p.closeCh
}

// readLoop delivers frames until the connection fails or stays silent past
// the disconnect timeout.
func (p *peer) readLoop(handle func(*Frame)) {
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
			p.close(err)
			return
		}
		f, err := DecodeFrame(p.reader, p.maxPayload)
		if err != nil {
			p.close(err)
			return
		}
		p.lastSeen.Store(time.Now().UnixNano())

		switch f.Type {
		case FrameHeartbeat:
		case FrameGoodbye:
			p.close(nil)
			return
		default:
			handle(f)
		}
	}
}

func (p *peer) writeLoop() {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			if err := p.write(&Frame{Type: FrameHeartbeat, Seq: p.outSeq.Add(1)}); err != nil {
				p.close(err)
				return
			}
		case f := <-p.sendCh:
			if err := p.write(f); err != nil {
				p.close(err)
				return
			}
			if f.Type == FrameGoodbye {
				p.close(nil)
				return
			}
		}
	}
}

func (p *peer) write(f *Frame) error {
	if err := f.Encode(p.writer, p.maxPayload); err != nil {
		return err
	}
	return p.writer.Flush()
}

// goodbye queues a goodbye frame behind pending sends and closes the
// connection once it is written, or after a second.
func (p *peer) goodbye() {
	if err := p.send(&Frame{Type: FrameGoodbye}); err != nil {
		p.close(nil)
		return
	}
	select {
	case <-p.closeCh:
	case <-time.After(time.Second):
		p.close(nil)
	}
}
