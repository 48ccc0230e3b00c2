// Package processors provides stub implementations of the leaf processor
// bodies: transcription, summary, and vision analysis. Each is a
// registry.Descriptor whose Run writes a placeholder derivative (at a path
// fixed by the input path and processor, with a timestamped body) rather
// than calling the real external API, so the
// coordination engine can be exercised end to end without live
// credentials.
package processors

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hbomb79/theapipe/internal/config"
	"github.com/hbomb79/theapipe/internal/registry"
)

// Transcribe stubs an audio-to-text processor. Real implementations would
// call an external speech API using secrets.TranscriptionAPIKey.
func Transcribe(secrets config.ProcessorSecrets) registry.Descriptor {
	return registry.Descriptor{
		Name:            "transcribe",
		InputExtensions: []string{".mp3", ".wav", ".m4a"},
		OutputExt:       ".transcript.txt",
		Run:             writeStub("transcript", secrets.TranscriptionAPIKey),
		EstimateCost:    perMegabyte(0.006),
	}
}

// Summarize stubs an LLM summarization processor over a transcript.
func Summarize(secrets config.ProcessorSecrets) registry.Descriptor {
	return registry.Descriptor{
		Name:            "summarize",
		InputExtensions: []string{".transcript.txt"},
		OutputExt:       ".summary.txt",
		Run:             writeStub("summary", secrets.SummaryAPIKey),
		EstimateCost:    perMegabyte(0.002),
	}
}

// Vision stubs a frame-comparison / vision-analysis processor over a video.
func Vision(secrets config.ProcessorSecrets) registry.Descriptor {
	return registry.Descriptor{
		Name:            "vision",
		InputExtensions: []string{".mp4", ".mov", ".mkv"},
		OutputExt:       ".vision.json",
		Run:             writeStub("vision", secrets.VisionAPIKey),
		EstimateCost:    perMegabyte(0.01),
	}
}

// writeStub returns a RunFunc that writes kind's placeholder content to
// inputPath+outputExt, failing loudly if apiKey is unset - a real processor
// would fail the same way attempting to authenticate.
func writeStub(kind, apiKey string) registry.RunFunc {
	return func(ctx context.Context, inputPath string, cfg map[string]any) (string, error) {
		if apiKey == "" {
			return "", fmt.Errorf("%s processor has no API key configured", kind)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		outputPath := inputPath + outputExtFor(kind)
		content := fmt.Sprintf("[%s] generated at %s for %s\n", kind, time.Now().UTC().Format(time.RFC3339), inputPath)
		if err := os.WriteFile(outputPath, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("writing %s output: %w", kind, err)
		}

		return outputPath, nil
	}
}

func outputExtFor(kind string) string {
	switch kind {
	case "transcript":
		return ".transcript.txt"
	case "summary":
		return ".summary.txt"
	case "vision":
		return ".vision.json"
	default:
		return ".out"
	}
}

// perMegabyte returns an EstimateCostFunc charging rate dollars per
// megabyte of input - a simple, deterministic stand-in for a real
// provider's pricing model.
func perMegabyte(rate float64) registry.EstimateCostFunc {
	return func(inputPath string) (float64, error) {
		info, err := os.Stat(inputPath)
		if err != nil {
			return 0, err
		}

		mb := float64(info.Size()) / (1024 * 1024)
		return mb * rate, nil
	}
}
