package watcher

import (
	"errors"
	"fmt"
	"log"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gamemon/internal/domain"
)

func init() {
	Register("quake3", func() Plugin { return &Quake3Plugin{} })
}

// Quake3Plugin polls a Quake 3 server over its out-of-band UDP command
// protocol, issuing an authenticated "status" each cycle and emitting a score
// event per player row.
type Quake3Plugin struct{}

func (p *Quake3Plugin) ConfigKeys() domain.ConfigSchema {
	return domain.ConfigSchema{
		"address":       {Type: domain.ConfigString, Required: true},
		"port":          {Type: domain.ConfigInt, Required: true},
		"timeout":       {Type: domain.ConfigInt, Required: true, Hint: "socket timeout and poll interval, in seconds"},
		"rcon_password": {Type: domain.ConfigString, Required: true},
	}
}

const (
	q3Header      = "\xff\xff\xff\xff"
	q3MaxResponse = 65535

	// Literal response body the server sends on a rejected rcon password.
	q3BadPassword = "Bad rconpassword.\n"
)

var (
	// Status rows are fixed-width: client num, frags, ping, then the name.
	// The server appends ^7 to each name; the name is cut there.
	q3PlayerRegex = regexp.MustCompile(`^\s*(\d+)\s+(-?\d+)\s+(\d+)\s+(.*)$`)
	q3MapRegex    = regexp.MustCompile(`^map: (.*)$`)
)

// q3Player is one parsed row of the status table.
type q3Player struct {
	Name  string
	Frags int
	Ping  int
}

func (p *Quake3Plugin) Run(w *Watcher) error {
	cfg := w.Config()
	addr := net.JoinHostPort(cfg.String("address"), strconv.Itoa(cfg.Int("port")))
	timeout := time.Duration(cfg.Int("timeout")) * time.Second
	password := cfg.String("rcon_password")

	conn, err := net.DialTimeout("udp", addr, timeout)
	if err != nil {
		return fmt.Errorf("quake3: connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	for !w.ShuttingDown() {
		body, err := q3Rcon(conn, timeout, password, "status")
		if err != nil {
			if errors.Is(err, ErrBadCredentials) {
				// Wrong password is a misconfiguration; retrying forever
				// would hammer the server.
				w.ExceptionEvent(err)
				return fmt.Errorf("quake3: %w", err)
			}
			w.ConnectionLostEvent()
			if !w.wait(timeout) {
				return nil
			}
			continue
		}
		w.ConnectionReacquiredEvent()

		_, players := parseQ3Status(body)
		for _, player := range players {
			if err := w.ScoreEvent(player.Name, player.Frags); err != nil {
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

// q3Command sends one out-of-band command and returns (responseType, body).
// Response framing: \xff\xff\xff\xff<type>\n<body>.
func q3Command(conn net.Conn, timeout time.Duration, command string) (string, string, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte(q3Header + command)); err != nil {
		return "", "", fmt.Errorf("sending command: %w", err)
	}

	buf := make([]byte, q3MaxResponse)
	n, err := conn.Read(buf)
	if err != nil {
		return "", "", fmt.Errorf("reading response: %w", err)
	}

	resp := string(buf[:n])
	if !strings.HasPrefix(resp, q3Header) {
		return "", "", fmt.Errorf("malformed response prefix")
	}
	resp = strings.TrimPrefix(resp, q3Header)

	respType, body, _ := strings.Cut(resp, "\n")
	return respType, body, nil
}

// q3Rcon sends an authenticated rcon command and returns the response body.
// The literal bad-password body becomes ErrBadCredentials.
func q3Rcon(conn net.Conn, timeout time.Duration, password, command string) (string, error) {
	_, body, err := q3Command(conn, timeout, fmt.Sprintf("rcon \"%s\" %s", password, command))
	if err != nil {
		return "", err
	}
	if body == q3BadPassword {
		return "", ErrBadCredentials
	}
	return body, nil
}

// parseQ3Status parses the body of a "status" rcon response: a "map: <name>"
// line, two header lines, then one fixed-width row per player.
func parseQ3Status(body string) (mapName string, players []q3Player) {
	lines := strings.Split(body, "\n")
	if len(lines) > 0 {
		if m := q3MapRegex.FindStringSubmatch(lines[0]); m != nil {
			mapName = m[1]
		}
	}
	if len(lines) <= 3 {
		return mapName, nil
	}

	for _, line := range lines[3:] {
		m := q3PlayerRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[4]
		if i := strings.Index(name, "^7"); i >= 0 {
			name = name[:i]
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		frags, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		ping, _ := strconv.Atoi(m[3])
		players = append(players, q3Player{Name: name, Frags: frags, Ping: ping})
	}
	return mapName, players
}
