package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/jayminwest/kotadb/pkg/kotadb"
	"github.com/jayminwest/kotadb/pkg/types"
)

// commonFlags registers the flags every subcommand shares.
func commonFlags(fs *pflag.FlagSet) (dataDir, configPath *string, jsonOut *bool) {
	dataDir = fs.String("data-dir", ".kotadb", "data directory")
	configPath = fs.String("config", "", "JSONC config file")
	jsonOut = fs.Bool("json", false, "machine-readable output")

	return dataDir, configPath, jsonOut
}

func runInit(out io.Writer, args []string) error {
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	dataDir, configPath, _ := commonFlags(fs)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	db, err := openFromFlags(*dataDir, *configPath, false)
	if err != nil {
		return err
	}

	defer db.Close()

	fmt.Fprintf(out, "initialized %s\n", *dataDir)

	return nil
}

func runInsert(in io.Reader, out io.Writer, args []string) error {
	fs := pflag.NewFlagSet("insert", pflag.ContinueOnError)
	dataDir, configPath, jsonOut := commonFlags(fs)
	path := fs.String("path", "", "document path (required)")
	title := fs.String("title", "", "document title (required)")
	file := fs.String("file", "", "content file; \"-\" or empty reads stdin")
	tags := fs.StringSlice("tag", nil, "tag (repeatable)")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	var content []byte

	if *file == "" || *file == "-" {
		content, err = io.ReadAll(in)
	} else {
		content, err = os.ReadFile(*file)
	}

	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}

	db, err := openFromFlags(*dataDir, *configPath, false)
	if err != nil {
		return err
	}

	defer db.Close()

	id, err := db.Create(context.Background(), *path, *title, content, *tags, nil)
	if err != nil {
		return err
	}

	if *jsonOut {
		return json.NewEncoder(out).Encode(map[string]string{"id": id.String()})
	}

	fmt.Fprintln(out, id)

	return nil
}

func runGet(out io.Writer, args []string) error {
	fs := pflag.NewFlagSet("get", pflag.ContinueOnError)
	dataDir, configPath, jsonOut := commonFlags(fs)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("get: want exactly one id argument")
	}

	id, err := types.ParseDocumentID(fs.Arg(0))
	if err != nil {
		return err
	}

	db, err := openFromFlags(*dataDir, *configPath, true)
	if err != nil {
		return err
	}

	defer db.Close()

	doc, err := db.Get(context.Background(), id)
	if err != nil {
		return err
	}

	if *jsonOut {
		return json.NewEncoder(out).Encode(documentJSON(doc))
	}

	fmt.Fprintf(out, "id:       %s\n", doc.ID)
	fmt.Fprintf(out, "path:     %s\n", doc.Path)
	fmt.Fprintf(out, "title:    %s\n", doc.Title)
	fmt.Fprintf(out, "created:  %s\n", doc.CreatedAt.Time())
	fmt.Fprintf(out, "modified: %s\n", doc.ModifiedAt.Time())
	fmt.Fprintf(out, "size:     %d\n", doc.Size.Bytes())

	if len(doc.Tags) > 0 {
		names := make([]string, 0, len(doc.Tags))
		for _, t := range doc.Tags {
			names = append(names, t.String())
		}

		fmt.Fprintf(out, "tags:     %s\n", strings.Join(names, ", "))
	}

	fmt.Fprintln(out)
	_, err = out.Write(doc.Content)

	return err
}

func runSearch(out io.Writer, args []string) error {
	fs := pflag.NewFlagSet("search", pflag.ContinueOnError)
	dataDir, configPath, jsonOut := commonFlags(fs)
	limit := fs.Int("limit", 10, "maximum results")
	offset := fs.Int("offset", 0, "results to skip")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	query := strings.Join(fs.Args(), " ")

	db, err := openFromFlags(*dataDir, *configPath, true)
	if err != nil {
		return err
	}

	defer db.Close()

	results, err := db.Search(context.Background(), query, *limit, *offset)
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(out)

		for _, r := range results {
			encErr := enc.Encode(resultJSON(r))
			if encErr != nil {
				return encErr
			}
		}

		return nil
	}

	printResults(out, results)

	return nil
}

func runStats(out io.Writer, args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	dataDir, configPath, jsonOut := commonFlags(fs)

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	db, err := openFromFlags(*dataDir, *configPath, true)
	if err != nil {
		return err
	}

	defer db.Close()

	stats, err := db.Stats(context.Background())
	if err != nil {
		return err
	}

	if *jsonOut {
		return json.NewEncoder(out).Encode(stats)
	}

	fmt.Fprintf(out, "documents:     %d\n", stats.DocCount)
	fmt.Fprintf(out, "total bytes:   %d\n", stats.TotalBytes)
	fmt.Fprintf(out, "path keys:     %d\n", stats.PathKeys)
	fmt.Fprintf(out, "fts indexed:   %d\n", stats.IndexedFTS)

	return nil
}

func printResults(out io.Writer, results []kotadb.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(out, "no results")

		return
	}

	for _, r := range results {
		fmt.Fprintf(out, "%.2f  %s  %s\n", r.Score, r.Document.ID, r.Document.Path)

		if r.Preview != "" {
			fmt.Fprintf(out, "      %s\n", r.Preview)
		}
	}
}

func documentJSON(doc *types.Document) map[string]any {
	tags := make([]string, 0, len(doc.Tags))
	for _, t := range doc.Tags {
		tags = append(tags, t.String())
	}

	return map[string]any{
		"id":          doc.ID.String(),
		"path":        doc.Path.String(),
		"title":       doc.Title.String(),
		"content":     string(doc.Content),
		"tags":        tags,
		"created_at":  doc.CreatedAt.Unix(),
		"modified_at": doc.ModifiedAt.Unix(),
		"size":        doc.Size.Bytes(),
		"metadata":    doc.Metadata,
	}
}

func resultJSON(r kotadb.SearchResult) map[string]any {
	return map[string]any{
		"id":      r.Document.ID.String(),
		"path":    r.Document.Path.String(),
		"score":   r.Score,
		"preview": r.Preview,
	}
}
