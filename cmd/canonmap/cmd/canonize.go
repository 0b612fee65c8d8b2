package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/agentstation/utc"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/pipeline"
)

// recordFile is the YAML shape accepted by the canonize command.
type recordFile struct {
	Records []recordEntry `yaml:"records"`
}

type recordEntry struct {
	Type        string         `yaml:"type"`
	Source      string         `yaml:"source"`
	ExternalID  string         `yaml:"external_id"`
	ArrivalTime string         `yaml:"arrival_time"`
	Values      map[string]any `yaml:"values"`
}

var canonizeCmd = &cobra.Command{
	Use:   "canonize <records.yaml>",
	Short: "Canonize records from a YAML file",
	Long: `Canonize runs every record in the file through the pipeline and prints
one result per record. Parked records report their reason and evidence;
the remaining records still run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCanonizer()
		if err != nil {
			return err
		}

		records, err := loadRecords(args[0])
		if err != nil {
			return err
		}

		parked := 0
		for i, raw := range records {
			res, err := c.Canonize(cmd.Context(), raw)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			if res.Outcome == canonical.OutcomeParked {
				parked++
			}
			if err := printJSON(res); err != nil {
				return err
			}
		}

		if parked > 0 {
			fmt.Fprintf(os.Stderr, "%d of %d records parked\n", parked, len(records))
		}
		return nil
	},
}

// loadRecords parses the record file into raw pipeline records.
func loadRecords(path string) ([]pipeline.RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapParse("yaml", path, err)
	}

	var file recordFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.WrapParse("yaml", path, err)
	}

	records := make([]pipeline.RawRecord, 0, len(file.Records))
	for i, entry := range file.Records {
		raw := pipeline.RawRecord{
			Type:       canonical.EntityType(entry.Type),
			Source:     canonical.SourceID(entry.Source),
			ExternalID: entry.ExternalID,
			Values:     entry.Values,
		}
		if entry.ArrivalTime != "" {
			ts, err := time.Parse(time.RFC3339, entry.ArrivalTime)
			if err != nil {
				return nil, errors.WrapParse("yaml", path,
					fmt.Errorf("record %d: bad arrival_time: %w", i, err))
			}
			arrival := utc.New(ts)
			raw.ArrivalTime = &arrival
		}
		records = append(records, raw)
	}
	return records, nil
}
