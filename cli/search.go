package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarrydev/quarry/config"
	"github.com/quarrydev/quarry/embedder"
	"github.com/quarrydev/quarry/search"
	"github.com/quarrydev/quarry/store"
)

var (
	searchProject   string
	searchWeight    float64
	searchMaxTokens int
	searchContinue  string
	searchInsights  bool
	searchJSON      bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search an indexed project with natural language",
	Long: `Search an indexed project using hybrid retrieval.

The blend weight steers ranking between keyword matching (0.0) and
semantic similarity (1.0). Pass the continuation token from a previous
page to resume where it left off.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchProject, "project", "p", ".", "Project root to search")
	searchCmd.Flags().Float64VarP(&searchWeight, "weight", "w", -1, "Blend weight, 0 = keyword, 1 = semantic (default from config)")
	searchCmd.Flags().IntVar(&searchMaxTokens, "max-tokens", 0, "Token budget for returned chunks (clamped 1000-10000)")
	searchCmd.Flags().StringVar(&searchContinue, "continue", "", "Continuation token from a previous page")
	searchCmd.Flags().BoolVar(&searchInsights, "insights", false, "Include per-result ranking explanations")
	searchCmd.Flags().BoolVarP(&searchJSON, "json", "j", false, "Output results as JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	query := args[0]

	root, err := canonicalRoot(searchProject)
	if err != nil {
		return err
	}

	home, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(config.GetDatabasePath(home))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	vectors, err := openVectorStore(ctx, home, cfg)
	if err != nil {
		return err
	}
	defer vectors.Close()

	emb, err := embedder.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer emb.Close()

	project, err := db.Resolve(ctx, root)
	if err != nil {
		return fmt.Errorf("failed to resolve project: %w", err)
	}

	weight := float64(cfg.Search.BlendWeight)
	if searchWeight >= 0 {
		weight = searchWeight
	}

	searcher := search.NewSearcher(db, vectors, emb, cfg.Search.Limit, logger)
	resp, err := searcher.Search(ctx, search.Request{
		ProjectID:         project.ID,
		Query:             query,
		MaxTokens:         searchMaxTokens,
		BlendWeight:       weight,
		ContinuationToken: searchContinue,
		IncludeInsights:   searchInsights,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(resp)
	}

	for _, w := range resp.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
	if len(resp.Chunks) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Printf("Found %d results for: %q\n\n", len(resp.Chunks), query)
	for i, c := range resp.Chunks {
		fmt.Printf("─── Result %d (score: %.4f) ───\n", i+1, c.Score)
		fmt.Printf("File: %s:%d-%d\n", c.FilePath, c.StartLine, c.EndLine)
		if c.Title != "" {
			fmt.Printf("Section: %s\n", c.Title)
		}
		if c.Reasoning != "" {
			fmt.Printf("Why: %s\n", c.Reasoning)
		}
		fmt.Println()

		lines := strings.Split(c.Content, "\n")
		lineNum := c.StartLine
		for j := 0; j < len(lines) && j < 15; j++ {
			fmt.Printf("%4d │ %s\n", lineNum, lines[j])
			lineNum++
		}
		if len(lines) > 15 {
			fmt.Printf("     │ ... (%d more lines)\n", len(lines)-15)
		}
		fmt.Println()
	}

	fmt.Printf("Sources: %d files, %d tokens used, %d remaining\n", len(resp.Sources), resp.TokensUsed, resp.TokensRemaining)
	if resp.ContinuationToken != "" {
		fmt.Printf("Next page: quarry search %q --continue %s\n", query, resp.ContinuationToken)
	}
	return nil
}
