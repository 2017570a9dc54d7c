package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ki2go/internal/catalog"
)

var (
	publishSchema  bool
	publishArchive []string
)

var publishCmd = &cobra.Command{
	Use:   "publish [DIR...]",
	Short: "Publish Markdown template definitions into the store",
	Long: `Publish validates every *.md template definition in the given directories
(default: catalog.template_dirs) and stores new or changed templates. A
template's version only increases when its body or variables changed.

Examples:
  ki2go publish ./templates
  ki2go publish --archive vertrag-pruefen
  ki2go publish --schema > template.schema.json`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().BoolVar(&publishSchema, "schema", false, "print the JSON schema of template frontmatter and exit")
	publishCmd.Flags().StringArrayVar(&publishArchive, "archive", nil, "archive the template with this ID (repeatable)")
}

func runPublish(_ *cobra.Command, args []string) error {
	if publishSchema {
		schema, err := catalog.GenerateJSONSchema()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(schema, '\n'))
		return err
	}

	sc, err := setup(slog.LevelInfo)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	ctx := context.Background()

	for _, id := range publishArchive {
		if err := sc.Publisher.Archive(ctx, id); err != nil {
			return err
		}
		fmt.Printf("archived %s\n", id)
	}
	if len(publishArchive) > 0 && len(args) == 0 {
		return nil
	}

	dirs := args
	if len(dirs) == 0 && sc.Config.Catalog != nil {
		dirs = sc.Config.Catalog.TemplateDirs
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no template directories: pass DIR or set catalog.template_dirs")
	}

	poller := catalog.NewPoller(catalog.PollerConfig{Dirs: dirs}, sc.Publisher, sc.Logger)
	n := poller.Sync(ctx)
	fmt.Printf("published %d template(s) from %d dir(s)\n", n, len(dirs))
	return nil
}
