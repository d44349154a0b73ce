package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ppiankov/dropwatch/internal/producer"
)

var (
	produceDir          string
	produceName         string
	produceFileExist    string
	produceMoveExisting string
	produceTempPrefix   string
	produceDoneFile     string
	produceCharset      string
)

func init() {
	produceCmd.Flags().StringVar(&produceDir, "dir", "", "Target directory (required)")
	produceCmd.Flags().StringVar(&produceName, "name", "", "File name relative to --dir (required)")
	produceCmd.Flags().StringVar(&produceFileExist, "file-exist", "Override", "Override | Append | Fail | Ignore | Move")
	produceCmd.Flags().StringVar(&produceMoveExisting, "move-existing", "", "Where an existing target goes with --file-exist Move")
	produceCmd.Flags().StringVar(&produceTempPrefix, "temp-prefix", "", "Write under this prefix, then rename into place (default: write in place)")
	produceCmd.Flags().StringVar(&produceDoneFile, "done-file-name", "", "Done-file written after the payload, e.g. ${file:name}.done")
	produceCmd.Flags().StringVar(&produceCharset, "charset", "", "Encode the payload in this charset")
	_ = produceCmd.MarkFlagRequired("dir")
	_ = produceCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(produceCmd)
}

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Write stdin into a directory as one file",
	Long: `Reads stdin and writes it as a single file with the same guarantees routes
use: exclusive target lock, optional temp name and rename, done-file last.`,
	RunE: runProduce,
}

type produceResult struct {
	Path     string `json:"path,omitempty"`
	DonePath string `json:"done_path,omitempty"`
	Bytes    int64  `json:"bytes"`
	Size     string `json:"size"`
	Skipped  bool   `json:"skipped,omitempty"`
}

func runProduce(cmd *cobra.Command, args []string) error {
	policy, err := producer.ParseFileExist(produceFileExist)
	if err != nil {
		return err
	}
	opts := producer.DefaultOptions()
	opts.FileExist = policy
	opts.MoveExisting = produceMoveExisting
	opts.TempPrefix = produceTempPrefix
	opts.DoneFileName = produceDoneFile
	opts.Charset = produceCharset
	opts.Logger = zerolog.New(cmd.ErrOrStderr()).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	p, err := producer.New(afero.NewOsFs(), produceDir, opts)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	res, err := p.Write(context.Background(), produceName, body)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(produceResult{
		Path:     res.Path,
		DonePath: res.DonePath,
		Bytes:    res.Bytes,
		Size:     humanize.IBytes(uint64(res.Bytes)),
		Skipped:  res.Skipped,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
