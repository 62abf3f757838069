package watcher

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"gamemon/internal/domain"
)

func init() {
	Register("source", func() Plugin { return &SourcePlugin{} })
}

// SourcePlugin polls a Source-engine server with A2S_INFO/A2S_PLAYER queries
// and emits a score event per named player each cycle.
type SourcePlugin struct{}

func (p *SourcePlugin) ConfigKeys() domain.ConfigSchema {
	return domain.ConfigSchema{
		"address": {Type: domain.ConfigString, Required: true},
		"port":    {Type: domain.ConfigInt, Required: true},
		"timeout": {Type: domain.ConfigInt, Required: true, Hint: "query timeout and poll interval, in seconds"},
		"app_id": {Type: domain.ConfigInt, Required: true,
			Hint: "application id of the game client, not the server software: for Team Fortress 2 use 440, not 232250"},
	}
}

func (p *SourcePlugin) Run(w *Watcher) error {
	cfg := w.Config()
	addr := net.JoinHostPort(cfg.String("address"), strconv.Itoa(cfg.Int("port")))
	timeout := time.Duration(cfg.Int("timeout")) * time.Second

	query, err := newSourceQuery(addr, timeout)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	defer query.Close()

	for !w.ShuttingDown() {
		info, err := query.Info()
		if err != nil {
			// No response is a transient fault: record it, back off, retry.
			w.ConnectionLostEvent()
			if !w.wait(timeout) {
				return nil
			}
			continue
		}

		// Polling the wrong server is a misconfiguration, not an outage.
		if info.AppID != cfg.Int("app_id") {
			err := fmt.Errorf("source: server reports app id %d, expected %d: %w",
				info.AppID, cfg.Int("app_id"), ErrWrongApplication)
			w.ExceptionEvent(err)
			return err
		}

		players, err := query.Players()
		if err != nil {
			w.ConnectionLostEvent()
			if !w.wait(timeout) {
				return nil
			}
			continue
		}
		w.ConnectionReacquiredEvent()

		for _, player := range players {
			if player.Name == "" {
				// The protocol allows empty player slots in the response.
				continue
			}
			if err := w.ScoreEvent(player.Name, player.Score); err != nil {
				if errors.Is(err, ErrUnknownNickname) {
					continue
				}
				log.Printf("watcher-%d: score event for %q: %v", w.ID(), player.Name, err)
			}
		}

		if !w.wait(timeout) {
			return nil
		}
	}
	return nil
}

const (
	a2sHeaderInfo      = 0x54 // 'T'
	a2sHeaderPlayer    = 0x55 // 'U'
	a2sHeaderChallenge = 0x41 // 'A'
	a2sHeaderInfoReply = 0x49 // 'I'
	a2sHeaderPlayers   = 0x44 // 'D'

	a2sMaxPacket = 4096
)

var a2sInfoPayload = append([]byte("\xff\xff\xff\xffTSource Engine Query"), 0)

// sourceInfo is the subset of the A2S_INFO reply the watcher uses.
type sourceInfo struct {
	Name    string
	Map     string
	AppID   int
	Players int
}

// sourcePlayer is one row of the A2S_PLAYER reply.
type sourcePlayer struct {
	Name     string
	Score    int
	Duration float64
}

// sourceQuery speaks the A2S query protocol over a single UDP socket.
type sourceQuery struct {
	conn    net.Conn
	timeout time.Duration
}

func newSourceQuery(addr string, timeout time.Duration) (*sourceQuery, error) {
	conn, err := net.DialTimeout("udp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &sourceQuery{conn: conn, timeout: timeout}, nil
}

func (q *sourceQuery) Close() error {
	return q.conn.Close()
}

// exchange sends one request and reads one reply, transparently answering a
// challenge response by retrying with the challenge appended.
func (q *sourceQuery) exchange(request []byte) ([]byte, error) {
	req := request
	for attempt := 0; attempt < 2; attempt++ {
		q.conn.SetDeadline(time.Now().Add(q.timeout))
		if _, err := q.conn.Write(req); err != nil {
			return nil, fmt.Errorf("sending query: %w", err)
		}

		buf := make([]byte, a2sMaxPacket)
		n, err := q.conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		resp := buf[:n]
		if len(resp) < 5 || !bytes.HasPrefix(resp, []byte("\xff\xff\xff\xff")) {
			return nil, fmt.Errorf("malformed response (%d bytes)", n)
		}

		if resp[4] == a2sHeaderChallenge {
			if len(resp) < 9 {
				return nil, fmt.Errorf("short challenge response")
			}
			// A2S_PLAYER carries a 4-byte challenge placeholder; A2S_INFO
			// appends the challenge to the full payload.
			if request[4] == a2sHeaderPlayer {
				req = append(request[:5:5], resp[5:9]...)
			} else {
				req = append(append([]byte{}, request...), resp[5:9]...)
			}
			continue
		}
		return resp[4:], nil
	}
	return nil, fmt.Errorf("server kept answering with challenges")
}

// Info requests A2S_INFO and parses the reply.
func (q *sourceQuery) Info() (*sourceInfo, error) {
	resp, err := q.exchange(a2sInfoPayload)
	if err != nil {
		return nil, err
	}
	if resp[0] != a2sHeaderInfoReply {
		return nil, fmt.Errorf("unexpected info reply header 0x%02x", resp[0])
	}

	r := bytes.NewReader(resp[1:])
	if _, err := r.ReadByte(); err != nil { // protocol version
		return nil, fmt.Errorf("truncated info reply")
	}
	name, err := readCString(r)
	if err != nil {
		return nil, err
	}
	mapName, err := readCString(r)
	if err != nil {
		return nil, err
	}
	if _, err := readCString(r); err != nil { // folder
		return nil, err
	}
	if _, err := readCString(r); err != nil { // game description
		return nil, err
	}
	var appID uint16
	if err := binary.Read(r, binary.LittleEndian, &appID); err != nil {
		return nil, fmt.Errorf("reading app id: %w", err)
	}
	players, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading player count: %w", err)
	}

	return &sourceInfo{
		Name:    name,
		Map:     mapName,
		AppID:   int(appID),
		Players: int(players),
	}, nil
}

// Players requests A2S_PLAYER and parses the reply rows.
func (q *sourceQuery) Players() ([]sourcePlayer, error) {
	// Initial request carries a -1 challenge; exchange swaps in the real one.
	request := []byte{0xff, 0xff, 0xff, 0xff, a2sHeaderPlayer, 0xff, 0xff, 0xff, 0xff}
	resp, err := q.exchange(request)
	if err != nil {
		return nil, err
	}
	if resp[0] != a2sHeaderPlayers {
		return nil, fmt.Errorf("unexpected player reply header 0x%02x", resp[0])
	}

	r := bytes.NewReader(resp[1:])
	count, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("truncated player reply")
	}

	players := make([]sourcePlayer, 0, count)
	for i := 0; i < int(count); i++ {
		if _, err := r.ReadByte(); err != nil { // chunk index
			return nil, fmt.Errorf("truncated player row: %w", err)
		}
		name, err := readCString(r)
		if err != nil {
			return nil, fmt.Errorf("truncated player row: %w", err)
		}
		var score int32
		if err := binary.Read(r, binary.LittleEndian, &score); err != nil {
			return nil, fmt.Errorf("truncated player row: %w", err)
		}
		var duration float32
		if err := binary.Read(r, binary.LittleEndian, &duration); err != nil {
			return nil, fmt.Errorf("truncated player row: %w", err)
		}
		players = append(players, sourcePlayer{
			Name:     name,
			Score:    int(score),
			Duration: float64(duration),
		})
	}
	return players, nil
}

// readCString reads a NUL-terminated string.
func readCString(r *bytes.Reader) (string, error) {
	var b []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("unterminated string")
		}
		if c == 0 {
			return string(b), nil
		}
		b = append(b, c)
	}
}
