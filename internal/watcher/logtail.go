package watcher

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"gamemon/internal/domain"
)

func init() {
	Register("logtail", func() Plugin { return &LogtailPlugin{} })
}

// LogtailPlugin follows a game server's log file and turns matched lines into
// user events. Event times come from the timestamp embedded in each line, not
// the wall clock, so replaying a historical log yields correctly ordered
// events.
type LogtailPlugin struct{}

func (p *LogtailPlugin) ConfigKeys() domain.ConfigSchema {
	return domain.ConfigSchema{
		"file":          {Type: domain.ConfigString, Required: true, Hint: "path to the game server log file"},
		"poll_interval": {Type: domain.ConfigInt, Required: false, Hint: "seconds between file checks, default 1"},
	}
}

func (p *LogtailPlugin) Run(w *Watcher) error {
	cfg := w.Config()
	interval := time.Second
	if cfg.Has("poll_interval") {
		interval = time.Duration(cfg.Int("poll_interval")) * time.Second
	}

	tailer, err := newTailer(cfg.String("file"))
	if err != nil {
		return fmt.Errorf("logtail: %w", err)
	}
	defer tailer.Close()

	parser := newSrcdsParser(w)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.Shutdown():
			return nil
		case <-ticker.C:
			lines, err := tailer.ReadNew()
			if err != nil {
				w.ConnectionLostEvent()
				continue
			}
			w.ConnectionReacquiredEvent()
			for _, line := range lines {
				parser.Parse(line)
			}
		}
	}
}

// srcds log line patterns. The prefix is the engine's own timestamp:
//
//	L 07/28/2019 - 21:51:45: "d4rkshad0w<3><STEAM_0:1:219712654><>" entered the game
const srcdsTimeLayout = "01/02/2006 - 15:04:05"

var (
	srcdsJoinRegex  = regexp.MustCompile(`^L (\d{2}/\d{2}/\d{4} - \d{2}:\d{2}:\d{2}): "(.*?)<\d*><[^>]*><[^>]*>" entered the game$`)
	srcdsLeaveRegex = regexp.MustCompile(`^L (\d{2}/\d{2}/\d{4} - \d{2}:\d{2}:\d{2}): "(.*?)<\d*><[^>]*><[^>]*>" disconnected`)
	srcdsKillRegex  = regexp.MustCompile(`^L (\d{2}/\d{2}/\d{4} - \d{2}:\d{2}:\d{2}): "(.*?)<\d*><[^>]*><[^>]*>" killed "(.*?)<\d*><[^>]*><[^>]*>" with`)
)

// newSrcdsParser builds the rule table mapping srcds log lines to this
// watcher's event emitters.
func newSrcdsParser(w *Watcher) *LineParser {
	emit := func(name string, fn func(string, time.Time) error, nick, stamp string) {
		at, err := time.Parse(srcdsTimeLayout, stamp)
		if err != nil {
			return
		}
		if err := fn(nick, at); err != nil {
			if errors.Is(err, ErrUnknownNickname) {
				return
			}
			log.Printf("watcher-%d: %s event for %q: %v", w.ID(), name, nick, err)
		}
	}

	return NewLineParser(
		LineRule{srcdsJoinRegex, func(g []string) {
			emit("join", w.JoinEventAt, g[2], g[1])
		}},
		LineRule{srcdsLeaveRegex, func(g []string) {
			emit("leave", w.LeaveEventAt, g[2], g[1])
		}},
		LineRule{srcdsKillRegex, func(g []string) {
			// Victim dies; the killer's score shows up via the scoreboard
			// polls, not the kill line.
			emit("die", w.DieEventAt, g[3], g[1])
		}},
	)
}

// tailer reads a log file incrementally. The first ReadNew returns the whole
// existing content (historical replay); later calls return only appended
// lines. A shrunken file (copytruncate rotation) restarts from the top.
type tailer struct {
	path     string
	file     *os.File
	position int64
}

func newTailer(path string) (*tailer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &tailer{path: path, file: file}, nil
}

// ReadNew returns complete lines appended since the last call. A trailing
// partial line is left for the next call.
func (t *tailer) ReadNew() ([]string, error) {
	stat, err := t.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	// Handle copytruncate: file shrank below our position
	if stat.Size() < t.position {
		t.position = 0
	}
	if stat.Size() == t.position {
		return nil, nil
	}

	if _, err := t.file.Seek(t.position, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking log file: %w", err)
	}

	var lines []string
	reader := bufio.NewReader(t.file)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// Partial line - don't advance position past it
			break
		}
		if err != nil {
			return lines, fmt.Errorf("reading line: %w", err)
		}
		t.position += int64(len(line))
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (t *tailer) Close() error {
	return t.file.Close()
}
