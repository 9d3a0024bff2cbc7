// agent-probe checks the computation agents from the command line: health
// for each configured agent, optionally the methods they advertise.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/agent"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/config"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/model"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	agentFlag := flag.String("agent", "", "probe one agent (terrain-metrics, weather, equipment); empty probes all")
	capsFlag := flag.Bool("capabilities", false, "also query advertised methods")
	timeoutFlag := flag.Duration("timeout", 10*time.Second, "overall probe deadline")
	toolCallFlag := flag.Bool("toolcall", false, "use the tool-call envelope")
	flag.Parse()

	zl := logger.Build(logger.Config{Level: "warn", Console: true, Component: "agent-probe"}, os.Stderr)
	appLog := logger.NewSlog(&zl)

	cfg := config.FromEnv()
	client := agent.New(cfg, httpclient.NewOutbound(), appLog)
	if *toolCallFlag {
		client.EnableToolCallMode()
	}

	names := model.AgentNames()
	if *agentFlag != "" {
		name := model.AgentName(strings.TrimSpace(*agentFlag))
		found := false
		for _, n := range names {
			if n == name {
				found = true
			}
		}
		if !found {
			fmt.Fprintf(os.Stderr, "unknown agent %q\n", *agentFlag)
			return 2
		}
		names = []model.AgentName{name}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	type report struct {
		Health       agent.HealthStatus `json:"health"`
		Capabilities *agent.Info        `json:"capabilities,omitempty"`
	}

	allHealthy := true
	out := make([]report, 0, len(names))
	for _, name := range names {
		rep := report{Health: client.HealthCheck(ctx, name)}
		if !rep.Health.Healthy {
			allHealthy = false
		}
		if *capsFlag && rep.Health.Healthy {
			info, err := client.DiscoverCapabilities(ctx, name)
			if err != nil {
				appLog.Warn("capability discovery failed", "agent", string(name), "err", err)
			} else {
				rep.Capabilities = info
			}
		}
		out = append(out, rep)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if !allHealthy {
		return 1
	}
	return 0
}
