package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"equitybot-go/internal/config"
	"equitybot-go/internal/strategy"
)

const defaultConfigPath = "internal/config/config.yaml"

func main() {
	reader := bufio.NewReader(os.Stdin)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== EquityBot Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit bankroll and risk knobs")
		fmt.Println("3) Edit universe and strategy")
		fmt.Println("4) Save config")
		fmt.Println("5) Launch paper bot")
		fmt.Println("6) Reload config from disk")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		choice := strings.TrimSpace(input)

		switch choice {
		case "1":
			printSummary(cfg)
		case "2":
			editRisk(reader, cfg)
		case "3":
			editUniverse(reader, cfg)
		case "4":
			if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "5":
			launchPaper(reader)
		case "6":
			reloaded, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	fmt.Println("\n--- Configuration Summary ---")
	fmt.Printf("Mode: %s | strategy: %s\n", cfg.Trading.Mode, cfg.Trading.Strategy)
	fmt.Println("Symbols:", strings.Join(cfg.Market.Symbols, ", "))
	fmt.Printf("Benchmark: %s | bar width: %s | feed: %s\n", cfg.Market.Benchmark, cfg.Market.BarWidth, cfg.Feed.Provider)
	fmt.Printf("Capital: Rs %.2f\n", cfg.Trading.Capital)
	fmt.Printf("Risk per trade: %.2f%% | portfolio heat cap: %.2f%%\n", cfg.Trading.RiskPerTrade*100, cfg.Trading.MaxPortfolioHeat*100)
	fmt.Printf("Max positions: %d | per-trade notional cap: Rs %.2f\n", cfg.Trading.MaxPositions, cfg.Trading.MaxNotionalPerTrade)
	fmt.Printf("Daily loss limit: Rs %.2f\n", cfg.Trading.MaxDailyLoss)
	fmt.Printf("Scan every %s, monitor every %s, square off at %s\n", cfg.Trading.ScanInterval, cfg.Trading.MonitorInterval, cfg.Trading.EODCutoff)
}

func editRisk(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Risk / Capital ---")
	cfg.Trading.Capital = promptFloat(reader, "Capital (Rs)", cfg.Trading.Capital)
	cfg.Trading.RiskPerTrade = promptPercent(reader, "Risk per trade (%)", cfg.Trading.RiskPerTrade)
	cfg.Trading.MaxPortfolioHeat = promptPercent(reader, "Portfolio heat cap (%)", cfg.Trading.MaxPortfolioHeat)
	cfg.Trading.MaxPositions = int(promptFloat(reader, "Max concurrent positions", float64(cfg.Trading.MaxPositions)))
	cfg.Trading.MaxNotionalPerTrade = promptFloat(reader, "Max notional per trade (Rs, 0 = none)", cfg.Trading.MaxNotionalPerTrade)
	cfg.Trading.MaxDailyLoss = promptFloat(reader, "Max daily loss (Rs, 0 = none)", cfg.Trading.MaxDailyLoss)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("warning: %v\n", err)
	}
}

func editUniverse(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Universe ---")
	fmt.Printf("Current symbols: %s\n", strings.Join(cfg.Market.Symbols, ", "))
	fmt.Print("Enter symbols comma-separated (blank to keep): ")
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		cfg.Market.Symbols = nil
		for _, p := range strings.Split(strings.TrimSpace(line), ",") {
			if trimmed := strings.ToUpper(strings.TrimSpace(p)); trimmed != "" {
				cfg.Market.Symbols = append(cfg.Market.Symbols, trimmed)
			}
		}
	}
	fmt.Printf("Strategies: %s\n", strings.Join(strategy.Modes(), ", "))
	fmt.Printf("Strategy [%s]: ", cfg.Trading.Strategy)
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		if name, ok := strategy.Canonical(line); ok {
			cfg.Trading.Strategy = name
		} else {
			fmt.Printf("unknown strategy, keeping %s\n", cfg.Trading.Strategy)
		}
	}
	cfg.Trading.TopK = int(promptFloat(reader, "Entries per scan (top K)", float64(cfg.Trading.TopK)))
}

func launchPaper(reader *bufio.Reader) {
	fmt.Println("Launching paper bot (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/paper")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start bot: %v\n", err)
		return
	}

	go func() {
		_ = cmd.Wait()
		cancel()
	}()

	fmt.Print("\nPress ENTER to stop the bot and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%.2f]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.2f\n", current)
		return current
	}
	return val
}

func promptPercent(reader *bufio.Reader, label string, current float64) float64 {
	pct := promptFloat(reader, label, current*100)
	return pct / 100
}

func loadConfig() (*config.Config, error) {
	return config.Load(locateConfig())
}

func saveConfig(cfg *config.Config) error {
	return config.Save(locateConfig(), cfg)
}

func locateConfig() string {
	if filepath.IsAbs(defaultConfigPath) {
		return defaultConfigPath
	}
	return filepath.Clean(defaultConfigPath)
}
