package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/casspangell/drone-choir-app-sub000/config"
	"github.com/casspangell/drone-choir-app-sub000/core/player"
	"github.com/casspangell/drone-choir-app-sub000/core/session"
	clocksync "github.com/casspangell/drone-choir-app-sub000/core/sync"
	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
	"github.com/casspangell/drone-choir-app-sub000/protocol"
)

var (
	voicePartFlag   string
	controllerFlag  bool
	directorKeyFlag string
)

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Run a voice playback client",
	Long: `Connects to the hub as one voice part, follows the authoritative
playback state, and renders its note queue as synchronized tones.`,
	RunE: runVoice,
}

func init() {
	voiceCmd.Flags().StringVar(&voicePartFlag, "part", "", "voice part: bass, tenor, alto or soprano (overrides VOICE_PART)")
	voiceCmd.Flags().BoolVar(&controllerFlag, "controller", false, "request the controller role")
	voiceCmd.Flags().StringVar(&directorKeyFlag, "director-key", "", "director key, exchanged for a controller token")
	rootCmd.AddCommand(voiceCmd)
}

func runVoice(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	logger.Init(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	})

	partName := cfg.VoicePart
	if voicePartFlag != "" {
		partName = voicePartFlag
	}
	part, ok := config.VoicePartByType(model.VoiceType(partName))
	if !ok {
		return fmt.Errorf("unknown voice part %q", partName)
	}

	instanceID, err := loadOrCreateInstanceID(cfg.InstanceIDFile)
	if err != nil {
		return fmt.Errorf("instance identity: %w", err)
	}
	logger.Info("voice client starting",
		logger.String("instance", instanceID),
		logger.String("part", string(part.Type)))

	var controllerToken string
	if controllerFlag {
		if directorKeyFlag == "" {
			return errors.New("--controller requires --director-key")
		}
		controllerToken, err = fetchControllerToken(cfg.ServerURL, directorKeyFlag, instanceID)
		if err != nil {
			return fmt.Errorf("controller token: %w", err)
		}
		logger.Info("controller token issued")
	}

	sink, closeSink, err := openPCMSink(cfg.PCMOutputPath)
	if err != nil {
		return fmt.Errorf("pcm sink: %w", err)
	}
	defer closeSink()

	clock := clocksync.NewEstimator()
	sched := player.NewScheduler(part, player.NewPCMOscillator(sink), clock)
	sched.Start()
	defer sched.Close()

	wsURL, err := wsEndpoint(cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}

	mgr := session.NewManager(session.Config{
		ServerURL:       wsURL,
		InstanceID:      instanceID,
		Voice:           part.Type,
		WantController:  controllerFlag,
		ControllerToken: controllerToken,
	}, session.Hooks{
		OnState: sched.Apply,
		OnNotes: func(notes []model.Note, _ int64) {
			sched.ReplaceQueue(notes)
		},
		OnRole: func(role model.Role) {
			logger.Info("role changed", logger.String("role", string(role)))
		},
		OnClip: func(clip protocol.ClipPlayData) {
			logger.Info("clip scheduled",
				logger.String("name", clip.Name),
				logger.String("url", clip.URL),
				logger.Int64("startAt", clip.ScheduledStartTime))
		},
	}, session.WebsocketDialer{}, clock)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = mgr.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("voice client stopped")
		return nil
	}
	return err
}

// loadOrCreateInstanceID reads the persisted instance identity, minting and
// saving a fresh one on first run. The id must survive restarts so the hub
// recognizes the same logical client across connections.
func loadOrCreateInstanceID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", err
	}
	return id, nil
}

// wsEndpoint derives the websocket endpoint from the configured base URL.
func wsEndpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/choir"
	return u.String(), nil
}

// fetchControllerToken exchanges the director key for a controller token
// over the hub's REST surface.
func fetchControllerToken(serverURL, directorKey, instanceID string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"directorKey": directorKey,
		"instanceId":  instanceID,
	})
	if err != nil {
		return "", err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(strings.TrimRight(serverURL, "/")+"/api/master/token",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// openPCMSink resolves the raw audio destination: "-" for stdout, empty for
// a silent discard sink, anything else a file path.
func openPCMSink(path string) (io.Writer, func(), error) {
	switch path {
	case "-":
		return os.Stdout, func() {}, nil
	case "":
		return io.Discard, func() {}, nil
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}
}
