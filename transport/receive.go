package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Mmx233/tsproto/protocol"
)

// ReceiveLoop reads datagrams until the handler is closed. Packets that fail
// to parse or authenticate are dropped without an acknowledgement.
func (h *Handler) ReceiveLoop(ctx context.Context) error {
	for {
		bufPtr := protocol.GetReadBuffer()
		buf := *bufPtr

		n, addr, err := h.conn.ReadFrom(buf)
		if err != nil {
			protocol.PutReadBuffer(bufPtr)
			if h.isClosed() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("read: %w", err)
			}
			h.logger.Debug().Err(err).Msg("read packet failed")
			continue
		}

		// queued commands outlive the pooled buffer
		raw := bytes.Clone(buf[:n])
		protocol.PutReadBuffer(bufPtr)

		if !h.acceptFrom(addr) {
			h.logger.Debug().Str("addr", addr.String()).Msg("drop packet from unknown peer")
			continue
		}
		h.handleRaw(raw)
	}
}

func (h *Handler) acceptFrom(addr net.Addr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.remote == nil {
		h.remote = addr
		h.logger.Info().Str("peer", addr.String()).Msg("peer connected")
		return true
	}
	return h.remote.String() == addr.String()
}

func (h *Handler) handleRaw(raw []byte) {
	p, err := protocol.ParsePacket(raw, h.opts.Direction.Reverse())
	if err != nil {
		h.logger.Debug().Err(err).Int("size", len(raw)).Msg("drop invalid packet")
		return
	}

	switch {
	case p.Type.IsReliable():
		p.GenerationID = h.queueFor(p.Type).Generation(int(p.ID))
	case p.Type != protocol.Init1:
		p.GenerationID = h.windows[p.Type].GenerationOf(int(p.ID))
	}

	if err := h.engine.Decrypt(p); err != nil {
		h.logger.Debug().Err(err).Stringer("packet", p).Msg("drop undecryptable packet")
		return
	}

	h.lastRecv.Store(time.Now().UnixNano())
	h.stats.logIn(p.Type, len(raw))
	h.logger.Trace().Stringer("packet", p).Msg("packet received")

	switch p.Type {
	case protocol.Voice, protocol.VoiceWhisper:
		if h.windows[p.Type].SetAndDrag(int(p.ID)) {
			h.dispatch(p)
		}
	case protocol.Command, protocol.CommandLow:
		h.receiveCommand(p)
	case protocol.Ping:
		h.windows[p.Type].SetAndDrag(int(p.ID))
		h.receivePing(p)
	case protocol.Pong:
		h.windows[p.Type].SetAndDrag(int(p.ID))
		h.receivePong(p)
	case protocol.Ack, protocol.AckLow:
		h.windows[p.Type].SetAndDrag(int(p.ID))
		h.receiveAck(p)
	case protocol.Init1:
		h.receiveInit1(p)
	}
}

func (h *Handler) queueFor(t protocol.PacketType) *protocol.RingQueue[*protocol.Packet] {
	return h.commandQueues[t-protocol.Command]
}

func (h *Handler) dispatch(p *protocol.Packet) {
	h.mu.Lock()
	d := h.dispatcher
	h.mu.Unlock()
	if d != nil {
		d.HandlePacket(p)
	}
}

func (h *Handler) receiveCommand(p *protocol.Packet) {
	q := h.queueFor(p.Type)
	status := q.Status(int(p.ID))
	if status == protocol.ItemOutOfWindow {
		h.logger.Debug().Stringer("packet", p).Int("start", q.Start()).Msg("drop command beyond receive window")
		return
	}

	h.sendAck(p)
	if status.IsSet() {
		return
	}

	if err := q.Set(int(p.ID), p); err != nil {
		h.logger.Debug().Err(err).Stringer("packet", p).Msg("queue command failed")
		return
	}
	for {
		cmd, ok := h.nextCommand(q)
		if !ok {
			return
		}
		if cmd != nil {
			h.dispatch(cmd)
		}
	}
}

func (h *Handler) sendAck(p *protocol.Packet) {
	var data [2]byte
	binary.BigEndian.PutUint16(data[:], p.ID)
	if err := h.Send(p.Type.AckType(), data[:]); err != nil && !errors.Is(err, ErrClosed) {
		h.logger.Debug().Err(err).Uint16("id", p.ID).Msg("send ack failed")
	}
}

// nextCommand dequeues the next complete command. ok is false when the queue
// start is missing or a split command is incomplete; a nil packet with ok set
// means a command was dequeued but dropped.
func (h *Handler) nextCommand(q *protocol.RingQueue[*protocol.Packet]) (*protocol.Packet, bool) {
	first, ok := q.TryPeekStart(0)
	if !ok {
		return nil, false
	}

	take := 1
	if first.Flags.Has(protocol.FlagFragmented) {
		complete := false
		for i := 1; i < q.Capacity(); i++ {
			next, ok := q.TryPeekStart(i)
			if !ok {
				break
			}
			take++
			if next.Flags.Has(protocol.FlagFragmented) {
				complete = true
				break
			}
		}
		if !complete {
			return nil, false
		}
	}

	packet, _ := q.TryDequeue()
	if take > 1 {
		buf := protocol.GetAssemblyBuffer()
		buf.Write(packet.Data)
		for i := 1; i < take; i++ {
			next, _ := q.TryDequeue()
			buf.Write(next.Data)
		}
		packet.Data = bytes.Clone(buf.Bytes())
		protocol.PutAssemblyBuffer(buf)
	}

	if packet.Flags.Has(protocol.FlagCompressed) {
		data, err := protocol.Decompress(packet.Data, h.opts.MaxDecompressedSize, h.recvScratch)
		if err != nil {
			h.logger.Warn().Err(err).Stringer("packet", packet).Msg("drop invalid compressed command")
			return nil, true
		}
		packet.Data = data
	}
	return packet, true
}

func (h *Handler) receiveAck(p *protocol.Packet) {
	if len(p.Data) < 2 {
		return
	}
	id := binary.BigEndian.Uint16(p.Data)
	key := pendingKey{t: p.Type.AckedType(), id: id}

	h.mu.Lock()
	pp, ok := h.pending[key]
	delete(h.pending, key)
	h.mu.Unlock()

	if !ok {
		return
	}
	// an ack for a resent packet may answer any of its copies
	if pp.retries == 0 {
		h.stats.addRTT(time.Since(pp.lastSend))
	}
	h.logger.Trace().Str("type", key.t.String()).Uint16("id", id).Msg("packet acknowledged")
}

func (h *Handler) receivePing(p *protocol.Packet) {
	diff := int(p.ID) - int(h.lastPingRecv)
	if diff > 1 && diff < h.opts.ReceiveWindow {
		h.stats.logLostPings(diff - 1)
	}
	if diff > 0 || diff < -h.opts.ReceiveWindow {
		h.lastPingRecv = p.ID
	}

	var data [2]byte
	binary.BigEndian.PutUint16(data[:], p.ID)
	if err := h.Send(protocol.Pong, data[:]); err != nil && !errors.Is(err, ErrClosed) {
		h.logger.Debug().Err(err).Msg("send pong failed")
	}
}

func (h *Handler) receivePong(p *protocol.Packet) {
	if len(p.Data) < 2 {
		return
	}
	id := binary.BigEndian.Uint16(p.Data)

	h.mu.Lock()
	var rtt time.Duration
	matched := id == h.lastPingID && !h.pingSent.IsZero()
	if matched {
		rtt = time.Since(h.pingSent)
		h.pingSent = time.Time{}
	}
	h.mu.Unlock()

	if matched {
		h.stats.addPing(rtt)
		h.stats.addRTT(rtt)
	}
}

// receiveInit1 drops the pending handshake packet since the peer answered it.
func (h *Handler) receiveInit1(p *protocol.Packet) {
	h.ClearInit1()
	h.dispatch(p)
}
