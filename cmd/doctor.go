package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/patrick-hofmann/koompl/internal/config"
	"github.com/patrick-hofmann/koompl/internal/store/pg"
	"github.com/patrick-hofmann/koompl/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("koompl doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Secrets:")
	checkSecret("KOOMPL_LLM_API_KEY", cfg.LLM.APIKey != "")
	checkSecret("KOOMPL_MAILGUN_KEY", cfg.Mailgun.APIKey != "" || cfg.Mailgun.Transport == "local")
	checkSecret("KOOMPL_INBOUND_TOKEN", cfg.Server.InboundToken != "")

	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s\n", "Backend:", cfg.Storage.Backend)
	switch cfg.Storage.Backend {
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			fmt.Printf("    %-12s KOOMPL_POSTGRES_DSN not set\n", "Status:")
			break
		}
		db, err := pg.OpenDB(cfg.Storage.PostgresDSN)
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
			break
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			fmt.Printf("    %-12s PING FAILED (%s)\n", "Status:", err)
		} else {
			fmt.Printf("    %-12s OK\n", "Status:")
		}
	case "", "sqlite":
		path := config.ExpandHome(cfg.Storage.SQLitePath)
		fmt.Printf("    %-12s %s\n", "Path:", path)
		db, err := sqlite.OpenDB(path)
		if err != nil {
			fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
			break
		}
		defer db.Close()
		fmt.Printf("    %-12s OK\n", "Status:")
	case "memory":
		fmt.Printf("    %-12s in-memory, nothing to check\n", "Status:")
	}

	fmt.Println()
	fmt.Println("  Engine:")
	fmt.Printf("    %-12s %s (tools: %s)\n", "Model:", cfg.LLM.Model, orDefault(cfg.LLM.ToolsModel, cfg.LLM.Model))
	fmt.Printf("    %-12s %s\n", "Transport:", cfg.Mailgun.Transport)
	fmt.Printf("    %-12s max_rounds=%d timeout=%dm tool_cap=%d\n", "Flows:",
		cfg.Flows.DefaultMaxRounds, cfg.Flows.DefaultTimeoutMinutes, cfg.LLM.MaxToolIterations)
	if cfg.Flows.SweepCron != "" {
		fmt.Printf("    %-12s cron %q\n", "Sweeper:", cfg.Flows.SweepCron)
	} else {
		fmt.Printf("    %-12s every %s\n", "Sweeper:", cfg.Flows.SweepInterval())
	}
}

func checkSecret(name string, ok bool) {
	if ok {
		fmt.Printf("    %-24s set\n", name+":")
	} else {
		fmt.Printf("    %-24s NOT SET\n", name+":")
	}
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
