package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// RunSetupWizard walks an operator through the settings that matter on a
// fresh install, then validates and saves. Empty answers keep the current
// value.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	reader := bufio.NewReader(in)
	p := prompter{r: reader, w: out}

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║            arena - First Run Setup           ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")

	for {
		server := cfg.GetServerData()
		app := cfg.GetApplicationData()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Game Server ──")
		server.Name = p.str("Server name", server.Name)
		server.Address = p.str("Bind address", server.Address)
		server.Port = p.integer("Game port (TCP)", server.Port)
		server.MaxClients = p.integer("Max clients", server.MaxClients)
		server.MapName = p.str("Map name", server.MapName)
		server.RoundTime = p.integer("Round time in seconds (0 disables)", server.RoundTime)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Monitoring ──")
		app.API.Enabled = p.boolean("Enable REST API", app.API.Enabled)
		if app.API.Enabled {
			app.API.Port = p.integer("REST API port", app.API.Port)
		}
		app.MQTT.Enabled = p.boolean("Enable MQTT telemetry", app.MQTT.Enabled)
		if app.MQTT.Enabled {
			app.MQTT.BrokerURL = p.str("MQTT broker host", app.MQTT.BrokerURL)
			app.MQTT.Port = p.integer("MQTT broker port", app.MQTT.Port)
		}

		cfg.SetServerData(server)
		cfg.SetApplicationData(app)

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				logger.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if !p.boolean("Would you like to try again?", true) {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved to", cfg.Path())
	return nil
}

type prompter struct {
	r *bufio.Reader
	w io.Writer
}

func (p prompter) read() string {
	input, _ := p.r.ReadString('\n')
	return strings.TrimSpace(input)
}

func (p prompter) str(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.w, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.w, "  %s: ", prompt)
	}

	if input := p.read(); input != "" {
		return input
	}
	return defaultVal
}

func (p prompter) integer(prompt string, defaultVal int) int {
	fmt.Fprintf(p.w, "  %s [%d]: ", prompt, defaultVal)

	input := p.read()
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.w, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p prompter) boolean(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(p.w, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(p.read())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
