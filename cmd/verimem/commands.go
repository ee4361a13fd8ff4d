package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/verimem/verimem/internal/config"
	"github.com/verimem/verimem/internal/ingest"
	"github.com/verimem/verimem/internal/memory"
	"github.com/verimem/verimem/internal/pipeline"
)

// --- verify ---

var verifyCmd = &cobra.Command{
	Use:   "verify <claim text>",
	Short: "Verify a single claim",
	Long: `Verify a single claim against semantic memory and, when needed, the
language model with optional live web search.

Examples:
  verimem verify "The Eiffel Tower is in Paris."
  verimem verify --json "Water boils at 90 degrees Celsius at sea level."`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		text := strings.Join(args, " ")

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)

		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.store.Close()

		st := rt.pipeline.Run(cmd.Context(), pipeline.Request{RawText: text})

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st.VerificationResult)
		}

		printRunState(st)
		return nil
	},
}

func printRunState(st *pipeline.RunState) {
	vr := st.VerificationResult
	if vr == nil {
		printError("no result produced")
		return
	}

	verdict := string(vr.Verdict)
	fmt.Printf("\n%s %s\n", colorize(colorBold, "Verdict:"), colorize(verdictColor(verdict), verdict))
	fmt.Printf("%s %.2f\n", colorize(colorBold, "Confidence:"), vr.Confidence)
	if st.CacheHit {
		fmt.Printf("%s reused from memory (seen %d times)\n", colorize(colorBold, "Cache:"), st.SeenCount())
	} else if st.SeenCount() > 0 {
		fmt.Printf("%s stored (seen %d times)\n", colorize(colorBold, "Memory:"), st.SeenCount())
	}
	if st.WebSearchUsed {
		fmt.Printf("%s %d live results\n", colorize(colorBold, "Web search:"), len(st.WebSearchResults.Items))
	}
	fmt.Printf("\n%s\n", vr.Explanation)

	for _, e := range st.Errors {
		printWarning("%s", e.Error())
	}
}

func init() {
	verifyCmd.Flags().Bool("json", false, "print the full verification result as JSON")
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed <file>...",
	Short: "Load verified ground-truth claims into memory",
	Long: `Load claims from text or PDF files into semantic memory as verified
ground truth. Text files contribute one claim per line; lines starting
with '#' are skipped.

Examples:
  verimem seed facts.txt
  verimem seed encyclopedia.pdf facts.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)

		embedder, err := newEmbedder(cfg)
		if err != nil {
			return err
		}
		store, err := memory.Open(cfg.Memory.DataDir, embedder, float32(cfg.Memory.DedupThreshold))
		if err != nil {
			return fmt.Errorf("opening memory store: %w", err)
		}
		defer store.Close()

		seeder := ingest.NewSeeder(store, embedder)
		for _, path := range args {
			res, err := seeder.SeedFile(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("seeding %s: %w", path, err)
			}
			printSuccess("%s: %d claims (%d new, %d refreshed, %d skipped)",
				path, res.Claims, res.Created, res.Updated, res.Skipped)
		}
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show verimem server status and memory counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 2 * time.Second}
		base := baseURL(cfg.Server.Addr)

		resp, err := client.Get(base + "/health")
		if err != nil {
			printStatus("Server", "stopped")
			printStatus("Data dir", "%s", cfg.Memory.DataDir)
			return nil
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
			return nil
		}
		printStatus("Server", "running on %s", cfg.Server.Addr)

		stats, err := fetchStats(client, base, cfg.Server.Token)
		if err != nil {
			printWarning("could not read stats: %v", err)
		} else {
			printStatus("Claims", "%d", stats.TotalClaims)
			printStatus("Observations", "%d", stats.TotalSeen)
			for verdict, n := range stats.ByVerdict {
				printStatus("  "+verdict, "%d", n)
			}
		}

		printStatus("Chat model", "%s", cfg.OpenAI.ChatModel)
		printStatus("Embed model", "%s", cfg.OpenAI.EmbedModel)
		printStatus("Data dir", "%s", cfg.Memory.DataDir)
		return nil
	},
}

func fetchStats(client *http.Client, base, token string) (memory.Stats, error) {
	req, err := http.NewRequest(http.MethodGet, base+"/stats", nil)
	if err != nil {
		return memory.Stats{}, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return memory.Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return memory.Stats{}, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var stats memory.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return memory.Stats{}, err
	}
	return stats, nil
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
