// Package cli implements the interactive operator console of the arena
// server.
package cli

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/db"
	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/server"
)

// Game is the part of the game server the console drives.
type Game interface {
	Status() server.Status
	Players() []server.PlayerInfo
	Kick(id network.ConnID) error
}

// History is the match history store. It is optional.
type History interface {
	RecentSessions(limit int) ([]db.SessionRecord, error)
	RecentRounds(limit int) ([]db.RoundRecord, error)
	PlayerTotals(nickname string) (db.PlayerTotals, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	game     Game
	history  History
	logger   zerolog.Logger

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
// history may be nil.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, game Game, history History, in io.Reader, out io.Writer, logger zerolog.Logger) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		game:     game,
		history:  history,
		logger:   logger.With().Str("component", "cli").Logger(),
		in:       in,
		out:      out,
	}
}

// Start reads commands until ctx is cancelled, input ends or the operator
// quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\narena console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "arena> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if c.Execute(ctx, line) {
				return
			}
		}
	}
}

// Execute runs one command line. It reports whether the console should
// exit.
func (c *CLI) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "players", "p":
		c.printPlayers()
	case "pool":
		c.printPool()
	case "ticks":
		c.printTicks()
	case "kick":
		err = c.cmdKick(args)
	case "history":
		err = c.cmdHistory(args)
	case "rounds":
		err = c.cmdRounds(args)
	case "player":
		err = c.cmdPlayer(args)
	case "setconfig":
		err = c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down arena...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status              Show server status
  players             List connections and players
  pool                Show buffer pool usage
  ticks               Show tick timing and recent overruns
  kick <id>           Disconnect a connection
  history [n]         Show the last n player sessions
  rounds [n]          Show the last n rounds
  player <nickname>   Show lifetime totals for a player
  setconfig <k> <v>   Update a server setting (applies on restart)
  quit                Shut the server down
  help                Show this help message`)
}

func (c *CLI) newTable(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	st := c.game.Status()

	state := "RUNNING"
	if !st.Running {
		state = "STOPPED"
	}
	remaining := "-"
	if st.Round.Remaining > 0 {
		remaining = st.Round.Remaining.Truncate(time.Second).String()
	}

	tw := c.newTable([]string{"Name", "Address", "State", "Map", "Players", "Pending", "Round", "Remaining"})
	tw.Append([]string{
		st.Name,
		st.Address,
		state,
		st.MapName,
		fmt.Sprintf("%d/%d", st.Live, st.MaxClients),
		fmt.Sprintf("%d", st.Unverified+st.Disconnecting),
		fmt.Sprintf("%d", st.Round.Number),
		remaining,
	})
	tw.Render()
}

func (c *CLI) printPlayers() {
	players := c.game.Players()
	if len(players) == 0 {
		fmt.Fprintln(c.out, "No connections.")
		return
	}

	tw := c.newTable([]string{"ID", "Nickname", "State", "Alive", "Kills", "Deaths", "Remote", "Queued"})
	for _, p := range players {
		alive := "-"
		if p.Spawned {
			alive = strconv.FormatBool(p.Alive)
		}
		tw.Append([]string{
			fmt.Sprintf("%d", p.ConnID),
			p.Nickname,
			p.State.String(),
			alive,
			fmt.Sprintf("%d", p.Kills),
			fmt.Sprintf("%d", p.Deaths),
			p.Remote,
			fmt.Sprintf("%d", p.Outbound),
		})
	}
	tw.Render()
}

func (c *CLI) printPool() {
	p := c.game.Status().Pool
	tw := c.newTable([]string{"Max", "Total", "Used", "Free", "Unallocated", "Lent", "Parked"})
	tw.Append([]string{
		fmt.Sprintf("%d", p.MaxSize),
		fmt.Sprintf("%d", p.TotalSize),
		fmt.Sprintf("%d", p.UsedSize),
		fmt.Sprintf("%d", p.FreeSize),
		fmt.Sprintf("%d", p.UnallocatedSize),
		fmt.Sprintf("%d", p.UsedBuffers),
		fmt.Sprintf("%d", p.FreeBuffers),
	})
	tw.Render()
}

func (c *CLI) printTicks() {
	t := c.game.Status().Ticks
	fmt.Fprintf(c.out, "ticks: %d  overruns: %d  avg: %s  max: %s\n",
		t.Ticks, t.Overruns, t.AvgDuration, t.MaxDuration)
	if len(t.Recent) == 0 {
		return
	}
	tw := c.newTable([]string{"At", "Took"})
	for _, o := range t.Recent {
		tw.Append([]string{o.Timestamp.Format(time.TimeOnly), o.Duration.String()})
	}
	tw.Render()
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid connection id: %s", args[0])
	}
	if err := c.game.Kick(network.ConnID(id)); err != nil {
		return err
	}
	c.logger.Info().Uint64("conn_id", id).Msg("connection kicked from console")
	fmt.Fprintf(c.out, "Connection %d scheduled for disconnect\n", id)
	return nil
}

func (c *CLI) cmdHistory(args []string) error {
	if c.history == nil {
		return fmt.Errorf("match history is disabled")
	}
	limit, err := parseLimit(args)
	if err != nil {
		return err
	}
	sessions, err := c.history.RecentSessions(limit)
	if err != nil {
		return err
	}

	tw := c.newTable([]string{"Nickname", "Joined", "Duration", "Kills", "Deaths", "Reason"})
	for _, s := range sessions {
		tw.Append([]string{
			s.Nickname,
			s.JoinedAt.Format(time.DateTime),
			s.Duration.Truncate(time.Second).String(),
			fmt.Sprintf("%d", s.Kills),
			fmt.Sprintf("%d", s.Deaths),
			s.Reason,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdRounds(args []string) error {
	if c.history == nil {
		return fmt.Errorf("match history is disabled")
	}
	limit, err := parseLimit(args)
	if err != nil {
		return err
	}
	rounds, err := c.history.RecentRounds(limit)
	if err != nil {
		return err
	}

	tw := c.newTable([]string{"Round", "Map", "Ended", "Leader"})
	for _, r := range rounds {
		leader := "-"
		if len(r.Scores) > 0 {
			leader = fmt.Sprintf("%s (%d)", r.Scores[0].Nickname, r.Scores[0].Kills)
		}
		tw.Append([]string{
			fmt.Sprintf("%d", r.Number),
			r.MapName,
			r.EndedAt.Format(time.DateTime),
			leader,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdPlayer(args []string) error {
	if c.history == nil {
		return fmt.Errorf("match history is disabled")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: player <nickname>")
	}
	totals, err := c.history.PlayerTotals(args[0])
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no sessions recorded for %s", args[0])
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "\n  Nickname:   %s\n", totals.Nickname)
	fmt.Fprintf(c.out, "  Sessions:   %d\n", totals.Sessions)
	fmt.Fprintf(c.out, "  Kills:      %d\n", totals.Kills)
	fmt.Fprintf(c.out, "  Deaths:     %d\n", totals.Deaths)
	fmt.Fprintf(c.out, "  Playtime:   %s\n", totals.Playtime.Truncate(time.Second))
	fmt.Fprintf(c.out, "  Last seen:  %s\n\n", totals.LastSeen.Format(time.DateTime))
	return nil
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")

	// Numbers and booleans go in as JSON, anything else as a string.
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	previous := c.cfg.GetServerData()
	if err := c.cfg.UpdateServerField(key, value); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetServerData(previous)
		return result.Errors[0]
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	if c.eventBus != nil {
		c.eventBus.Emit(ctx, events.Event{
			Type:    events.EventConfigChanged,
			Source:  "cli",
			Payload: events.ConfigChangedPayload{Section: "server", Key: key, Value: value},
		})
	}
	fmt.Fprintf(c.out, "Config updated: %s = %s (applies on restart)\n", key, raw)
	return nil
}

func parseLimit(args []string) (int, error) {
	if len(args) < 1 {
		return 10, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid count: %s", args[0])
	}
	return n, nil
}
