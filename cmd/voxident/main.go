package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/voxident/voxident/internal/diarize"
	"github.com/voxident/voxident/internal/enrollment"
	"github.com/voxident/voxident/internal/identify"
	"github.com/voxident/voxident/internal/media"
	"github.com/voxident/voxident/internal/pipeline"
	"github.com/voxident/voxident/pkg/embedding"
)

var (
	audioPath     string
	outPath       string
	title         string
	roster        string
	storeDir      string
	backendType   string
	extractorType string
	threshold     float64
	margin        float64
	buffer        int
	minEnroll     float64
	timeoutMin    int

	enrollSpec  string
	displayName string
	deleteUser  string
	listUsers   bool
)

func init() {
	flag.StringVar(&audioPath, "audio", "", "Path to the meeting recording")
	flag.StringVar(&outPath, "out", "", "Output path prefix (defaults next to the audio file)")
	flag.StringVar(&title, "title", "", "Meeting title for the transcript header")
	flag.StringVar(&roster, "roster", "", "Comma-separated participant user ids")
	flag.StringVar(&storeDir, "store", "profiles", "Enrollment profile directory")
	flag.StringVar(&backendType, "backend", "assemblyai", "Diarization backend: assemblyai or mock")
	flag.StringVar(&extractorType, "extractor", "speechbrain", "Embedding extractor: speechbrain or mock")
	flag.Float64Var(&threshold, "threshold", 0, "Match score threshold override")
	flag.Float64Var(&margin, "margin", 0, "Required gap between best and second-best match")
	flag.IntVar(&buffer, "buffer", diarize.DefaultSpeakerBuffer, "Extra speakers added to the diarization hint")
	flag.Float64Var(&minEnroll, "min-enroll", enrollment.DefaultMinDuration, "Minimum enrollment sample duration in seconds")
	flag.IntVar(&timeoutMin, "timeout", 60, "Diarization timeout in minutes")
	flag.StringVar(&enrollSpec, "enroll", "", "Enroll a voice sample: user_id=path/to/audio")
	flag.StringVar(&displayName, "display-name", "", "Display name to set when enrolling")
	flag.StringVar(&deleteUser, "delete", "", "Delete the enrollment profile for a user id")
	flag.BoolVar(&listUsers, "list", false, "List enrolled profiles")
	flag.Parse()

	// Load from environment
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("Error loading .env file, using environment variables")
	}
	if v := os.Getenv("VOXIDENT_STORE_DIR"); v != "" && storeDir == "profiles" {
		storeDir = v
	}
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	cfg := pipeline.DefaultConfig()
	if threshold > 0 {
		cfg.Match.MatchThreshold = threshold
	} else if v := os.Getenv("SPEAKER_MATCH_THRESHOLD"); v != "" {
		if _, err := fmt.Sscanf(v, "%f", &cfg.Match.MatchThreshold); err != nil {
			logrus.WithField("value", v).Warn("Ignoring invalid SPEAKER_MATCH_THRESHOLD")
		}
	}
	if margin > 0 {
		cfg.Match.MatchMargin = margin
	}
	cfg.Match.SpeakerBuffer = buffer
	if v := os.Getenv("SPEECH_THRESHOLD"); v != "" {
		if _, err := fmt.Sscanf(v, "%f", &cfg.SpeechThreshold); err != nil {
			logrus.WithField("value", v).Warn("Ignoring invalid SPEECH_THRESHOLD")
		}
	}

	extractor := buildExtractor(cfg.Match)
	defer func() {
		if err := extractor.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close extractor")
		}
	}()

	store, err := enrollment.NewStore(storeDir, extractor, minEnroll)
	if err != nil {
		logrus.WithError(err).Fatal("Error opening enrollment store")
	}

	switch {
	case enrollSpec != "":
		runEnroll(ctx, store)
	case deleteUser != "":
		if err := store.Delete(deleteUser); err != nil {
			logrus.WithError(err).Fatal("Error deleting profile")
		}
	case listUsers:
		for _, p := range store.ListProfiles(nil) {
			fmt.Printf("%-24s samples=%d duration=%.0fs updated=%s\n",
				p.Name(), p.SampleCount, p.TotalDuration, p.UpdatedAt.Format(time.RFC3339))
		}
	case audioPath != "":
		runMeeting(ctx, store, extractor, cfg)
	default:
		logrus.Fatal("Nothing to do. Use -audio, -enroll, -delete or -list")
	}
}

func buildExtractor(cfg identify.Config) embedding.Extractor {
	switch strings.ToLower(extractorType) {
	case "mock":
		logrus.Info("Using mock embedding extractor")
		return embedding.NewMockExtractor(cfg.MinSegmentDuration)
	case "speechbrain":
		fallthrough
	default:
		extractor, err := embedding.NewSpeechBrainExtractor(os.Getenv("SPEAKER_ENCODER_MODEL"), cfg.MinSegmentDuration)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to initialize SpeechBrain extractor")
		}
		return extractor
	}
}

func buildBackend() diarize.Backend {
	switch strings.ToLower(backendType) {
	case "mock":
		logrus.Info("Using mock diarization backend")
		return &diarize.MockBackend{}
	case "assemblyai":
		fallthrough
	default:
		apiKey := os.Getenv("ASSEMBLYAI_API_KEY")
		if apiKey == "" {
			logrus.Fatal("ASSEMBLYAI_API_KEY is required for the assemblyai backend")
		}
		backend, err := diarize.NewAssemblyBackend(apiKey)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to initialize AssemblyAI backend")
		}
		return backend
	}
}

func runEnroll(ctx context.Context, store *enrollment.Store) {
	userID, path, ok := strings.Cut(enrollSpec, "=")
	if !ok || userID == "" || path == "" {
		logrus.Fatal("-enroll expects user_id=path/to/audio")
	}

	samples, err := media.Decode(ctx, path)
	if err != nil {
		logrus.WithError(err).Fatal("Error decoding enrollment audio")
	}

	profile, err := store.Enroll(ctx, userID, samples)
	if err != nil {
		logrus.WithError(err).Fatal("Enrollment failed")
	}
	if displayName != "" {
		if err := store.SetDisplayName(userID, displayName); err != nil {
			logrus.WithError(err).Fatal("Error setting display name")
		}
	}

	fmt.Printf("Enrolled %s (samples=%d, total=%.0fs)\n", profile.UserID, profile.SampleCount, profile.TotalDuration)
}

func runMeeting(ctx context.Context, store *enrollment.Store, extractor embedding.Extractor, cfg pipeline.Config) {
	runner := pipeline.NewRunner(buildBackend(), extractor, store, cfg)

	var rosterIDs []string
	if roster != "" {
		for _, id := range strings.Split(roster, ",") {
			if id = strings.TrimSpace(id); id != "" {
				rosterIDs = append(rosterIDs, id)
			}
		}
	}

	result, err := runner.Run(ctx, pipeline.MeetingJob{
		AudioPath:      audioPath,
		Title:          title,
		Roster:         rosterIDs,
		DiarizeTimeout: time.Duration(timeoutMin) * time.Minute,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Meeting run failed")
	}

	prefix := outPath
	if prefix == "" {
		prefix = strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + "_named"
	}

	// #nosec G306 - transcripts need to be readable by the user
	if err := os.WriteFile(prefix+".txt", []byte(result.RenderScript()), 0640); err != nil {
		logrus.WithError(err).Fatal("Error writing script")
	}
	data, err := result.RenderJSON()
	if err != nil {
		logrus.WithError(err).Fatal("Error serializing transcript")
	}
	// #nosec G306
	if err := os.WriteFile(prefix+".json", data, 0640); err != nil {
		logrus.WithError(err).Fatal("Error writing transcript JSON")
	}

	fmt.Printf("Wrote:\n  %s.txt\n  %s.json\n", prefix, prefix)
}
