package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DiscoveryMagic is the single byte a discovery probe consists of, and the
// first byte of every reply.
const DiscoveryMagic byte = 0xCA

// ErrBadDiscoveryReply is returned when a probe reply cannot be parsed.
var ErrBadDiscoveryReply = errors.New("malformed discovery reply")

// DiscoveryInfo is what a server advertises to LAN probes.
type DiscoveryInfo struct {
	Name       string `json:"name"`
	MapName    string `json:"map_name"`
	Players    uint8  `json:"players"`
	MaxPlayers uint8  `json:"max_players"`
	GamePort   uint16 `json:"game_port"`
}

// MarshalBinary encodes the reply:
// [magic:1][name len:1][name][map len:1][map][players:1][max:1][game port:2].
func (d DiscoveryInfo) MarshalBinary() ([]byte, error) {
	if len(d.Name) > 255 || len(d.MapName) > 255 {
		return nil, fmt.Errorf("discovery strings must fit in 255 bytes")
	}
	out := make([]byte, 0, 7+len(d.Name)+len(d.MapName))
	out = append(out, DiscoveryMagic, byte(len(d.Name)))
	out = append(out, d.Name...)
	out = append(out, byte(len(d.MapName)))
	out = append(out, d.MapName...)
	out = append(out, d.Players, d.MaxPlayers)
	out = binary.LittleEndian.AppendUint16(out, d.GamePort)
	return out, nil
}

// UnmarshalBinary decodes a reply produced by MarshalBinary.
func (d *DiscoveryInfo) UnmarshalBinary(data []byte) error {
	if len(data) < 2 || data[0] != DiscoveryMagic {
		return ErrBadDiscoveryReply
	}
	off := 1
	readStr := func() (string, bool) {
		if off >= len(data) {
			return "", false
		}
		n := int(data[off])
		off++
		if off+n > len(data) {
			return "", false
		}
		s := string(data[off : off+n])
		off += n
		return s, true
	}

	name, ok := readStr()
	if !ok {
		return ErrBadDiscoveryReply
	}
	mapName, ok := readStr()
	if !ok || len(data)-off != 4 {
		return ErrBadDiscoveryReply
	}

	d.Name = name
	d.MapName = mapName
	d.Players = data[off]
	d.MaxPlayers = data[off+1]
	d.GamePort = binary.LittleEndian.Uint16(data[off+2:])
	return nil
}

// DiscoveryResponder answers UDP discovery probes with the current
// DiscoveryInfo.
type DiscoveryResponder struct {
	info   func() DiscoveryInfo
	logger zerolog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewDiscoveryResponder creates a responder that calls info for every reply.
func NewDiscoveryResponder(info func() DiscoveryInfo, logger zerolog.Logger) *DiscoveryResponder {
	return &DiscoveryResponder{
		info:   info,
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

// Listen binds the UDP socket.
func (d *DiscoveryResponder) Listen(ctx context.Context, address string, port uint16) error {
	addr := net.JoinHostPort(address, strconv.Itoa(int(port)))

	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to start discovery listener on %s: %w", addr, err)
	}

	d.mu.Lock()
	d.conn = pc.(*net.UDPConn)
	d.mu.Unlock()

	d.logger.Info().Str("addr", pc.LocalAddr().String()).Msg("discovery listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (d *DiscoveryResponder) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Serve answers probes until ctx is cancelled or Stop is called.
func (d *DiscoveryResponder) Serve(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return ErrNotListening
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 64)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				d.logger.Info().Msg("discovery listener stopping")
				return nil
			}
			d.logger.Error().Err(err).Int("errno", errno(err)).Msg("UDP read error")
			continue
		}
		if n < 1 || buf[0] != DiscoveryMagic {
			continue
		}

		reply, err := d.info().MarshalBinary()
		if err != nil {
			d.logger.Error().Err(err).Msg("failed to encode discovery reply")
			continue
		}
		if _, err := conn.WriteToUDP(reply, remote); err != nil {
			d.logger.Warn().Err(err).Str("remote", remote.String()).Msg("failed to send discovery reply")
			continue
		}
		d.logger.Trace().Str("remote", remote.String()).Msg("responded to discovery probe")
	}
}

// Start is Listen followed by Serve.
func (d *DiscoveryResponder) Start(ctx context.Context, address string, port uint16) error {
	if err := d.Listen(ctx, address, port); err != nil {
		return err
	}
	return d.Serve(ctx)
}

// Stop closes the socket.
func (d *DiscoveryResponder) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Probe sends one discovery probe to address:port and waits up to timeout
// for the reply.
func Probe(ctx context.Context, address string, port uint16, timeout time.Duration) (DiscoveryInfo, error) {
	var info DiscoveryInfo

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp4", net.JoinHostPort(address, strconv.Itoa(int(port))))
	if err != nil {
		return info, fmt.Errorf("probe dial failed: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{DiscoveryMagic}); err != nil {
		return info, fmt.Errorf("probe write failed: %w", wrap("probe", err))
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 600)
	n, err := conn.Read(buf)
	if err != nil {
		return info, fmt.Errorf("probe read failed: %w", wrap("probe", err))
	}
	if err := info.UnmarshalBinary(buf[:n]); err != nil {
		return info, err
	}
	return info, nil
}
