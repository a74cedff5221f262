package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"rpoc-scan-go/internal/geometry"
	"rpoc-scan-go/internal/output"
	"rpoc-scan-go/internal/processing"
	"rpoc-scan-go/internal/types"
)

func main() {
	var (
		path        = flag.String("path", "", "Path to rawlog .bin file")
		limit       = flag.Int("limit", 1, "Number of records to dump (0 dumps all)")
		reconstruct = flag.Bool("reconstruct", false, "Rebuild each scan's frames and print their statistics instead of the raw record")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if *path == "" {
		log.Fatal().Msg("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatal().Err(err).Msg("open rawlog")
	}
	defer f.Close()

	r, err := output.NewRawLogReader(f)
	if err != nil {
		log.Fatal().Err(err).Msg("read rawlog")
	}

	for count := 0; *limit == 0 || count < *limit; count++ {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warn().Int("record", count).Msg("truncated trailing record")
				return
			}
			log.Fatal().Err(err).Msg("read record")
		}
		log.Info().Int("record", count).Time("timestamp", rec.Time).Int("size", len(rec.Payload)).Msg("record")

		var out any
		if *reconstruct {
			out, err = frameStats(rec)
		} else {
			var decoded any
			if err = cbor.Unmarshal(rec.Payload, &decoded); err == nil {
				out = output.NormalizeJSONValue(decoded)
			}
		}
		if err != nil {
			log.Error().Err(err).Int("record", count).Msg("decode record")
			continue
		}

		pretty, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			log.Error().Err(err).Int("record", count).Msg("JSON encode")
			continue
		}
		fmt.Println(string(pretty))
	}
}

// frameStats reconstructs a logged scan offline with the dwell map it was
// acquired with.
func frameStats(rec output.RawRecord) (types.UISnapshot, error) {
	scanRec, err := rec.Scan()
	if err != nil {
		return types.UISnapshot{}, err
	}
	g, err := geometry.New(scanRec.Config)
	if err != nil {
		return types.UISnapshot{}, err
	}
	frames, err := processing.Reconstruct(types.RawAcquisition{
		Channels: scanRec.Channels,
		Samples:  scanRec.Samples,
	}, g, scanRec.Dwell)
	if err != nil {
		return types.UISnapshot{}, err
	}
	snap := processing.Snapshot(scanRec.ScanID, scanRec.Frame, frames)
	for ch, s := range snap.Data {
		s.Values = nil
		snap.Data[ch] = s
	}
	return snap, nil
}
