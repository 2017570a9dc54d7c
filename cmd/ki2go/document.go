package main

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/ki2go/internal/domain"
)

var (
	documentID        string
	documentOrgID     string
	documentUserID    string
	documentMimeType  string
	documentOlderThan time.Duration
)

var documentCmd = &cobra.Command{
	Use:   "document",
	Short: "Manage documents available to task runs",
}

var documentAddCmd = &cobra.Command{
	Use:   "add FILE",
	Short: "Store a text document so runs can reference it",
	Long: `add stores FILE's text as an uploaded document. Extraction from PDF or
Office formats happens upstream; FILE must already be UTF-8 text.`,
	Args: cobra.ExactArgs(1),
	RunE: runDocumentAdd,
}

var documentPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete documents uploaded before a cutoff",
	RunE:  runDocumentPrune,
}

func init() {
	documentAddCmd.Flags().StringVar(&documentID, "id", "", "document ID (default: random UUID)")
	documentAddCmd.Flags().StringVar(&documentOrgID, "org", "", "owning organization")
	documentAddCmd.Flags().StringVar(&documentUserID, "user", "", "owning user (required)")
	documentAddCmd.Flags().StringVar(&documentMimeType, "mime", "", "MIME type (default: from extension)")
	_ = documentAddCmd.MarkFlagRequired("user")

	documentPruneCmd.Flags().DurationVar(&documentOlderThan, "older-than", 30*24*time.Hour, "delete documents older than this")
	documentCmd.AddCommand(documentAddCmd, documentPruneCmd)
}

func runDocumentAdd(_ *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return fmt.Errorf("%s is not UTF-8 text", path)
	}

	id := documentID
	if id == "" {
		id = uuid.NewString()
	}
	mimeType := documentMimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	if mimeType == "" {
		mimeType = "text/plain"
	}

	sc, err := setup(slog.LevelWarn)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	doc := &domain.Document{
		ID:            id,
		OrgID:         documentOrgID,
		UserID:        documentUserID,
		Filename:      filepath.Base(path),
		MimeType:      mimeType,
		SizeBytes:     int64(len(data)),
		ExtractedText: string(data),
	}
	if err := sc.Store.Documents().Put(context.Background(), doc); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runDocumentPrune(_ *cobra.Command, _ []string) error {
	if documentOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	sc, err := setup(slog.LevelWarn)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	n, err := sc.Store.Documents().DeleteBefore(context.Background(), time.Now().Add(-documentOlderThan))
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d document(s)\n", n)
	return nil
}
