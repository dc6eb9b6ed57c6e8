package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/dkeye/meshcall/internal/adapters/rtc"
	"github.com/dkeye/meshcall/internal/adapters/wsclient"
	"github.com/dkeye/meshcall/internal/call"
	"github.com/dkeye/meshcall/internal/config"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/messaging"
)

var (
	flagServer   string
	flagRoom     string
	flagNickname string
	flagICE      []string
	flagLoopback bool
)

var rootCmd = &cobra.Command{
	Use:   "meshcall-peer",
	Short: "Join a meshcall room from the terminal",
	Long: `meshcall-peer joins a room on a meshcall relay and opens a direct
WebRTC connection to every other participant. Lines typed on stdin are sent
as chat; "/file <path>" sends a file.

Examples:
  meshcall-peer --server http://localhost:8080 --room standup --nick alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagServer, "server", "s", "", "relay server URL (default from config)")
	rootCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room to join (default from config)")
	rootCmd.Flags().StringVarP(&flagNickname, "nick", "n", "", "display name (default from config)")
	rootCmd.Flags().StringSliceVar(&flagICE, "ice", nil, "ICE server URLs")
	rootCmd.Flags().BoolVar(&flagLoopback, "loopback", false, "gather loopback candidates (same-host testing)")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("meshcall-peer")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())
	if flagServer != "" {
		cfg.SignalURL = flagServer
	}
	if flagRoom != "" {
		cfg.Room = flagRoom
	}
	if flagNickname != "" {
		cfg.Nickname = flagNickname
	}
	if len(flagICE) > 0 {
		cfg.ICEServers = flagICE
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	sock, err := wsclient.Dial(dialCtx, cfg.SignalURL, wsclient.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	})
	dialCancel()
	if err != nil {
		return err
	}

	rtcCfg := rtc.DefaultConfig()
	rtcCfg.ICEServers = cfg.ICEServers
	rtcCfg.MuteTimeout = cfg.MuteTimeout
	rtcCfg.IncludeLoopback = flagLoopback

	var c *call.Call
	c, err = call.New(call.Config{
		Room:           cfg.Room,
		Nickname:       cfg.Nickname,
		MaxFrameSize:   cfg.MaxFrameSize,
		MaxMessageSize: cfg.MaxMessageSize,
		ReassemblyTTL:  cfg.ReassemblyTTL,
	}, sock, rtc.NewFactory(rtcCfg),
		call.WithMessageHandler(func(from domain.PeerID, msg messaging.Message) {
			printMessage(c, from, msg)
		}),
		call.WithStreamsChanged(func() {
			log.Info().Str("module", "peer").Int("streams", len(c.Tracks.Streams())).Msg("visible streams changed")
		}),
	)
	if err != nil {
		sock.Close()
		return err
	}
	log.Info().Str("module", "peer").Str("room", cfg.Room).Str("peer_id", string(c.LocalID)).Msg("joining")

	lines := make(chan string)
	go scanLines(os.Stdin, lines)

	var runErr error
	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		runErr = c.Run(ctx)
	})
	wg.Go(func() {
		defer cancel()
		chat(ctx, c, lines)
	})
	wg.Wait()
	return runErr
}

// scanLines never returns while stdin is open, so it is not waited for.
func scanLines(f *os.File, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func chat(ctx context.Context, c *call.Call, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := sendLine(ctx, c, strings.TrimSpace(line)); err != nil {
				log.Error().Err(err).Str("module", "peer").Msg("send")
			}
		}
	}
}

func sendLine(ctx context.Context, c *call.Call, line string) error {
	if line == "" {
		return nil
	}
	if path, ok := strings.CutPrefix(line, "/file "); ok {
		path = strings.TrimSpace(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = c.Chat.SendFile(ctx, filepath.Base(path), data)
		return err
	}
	_, err := c.Chat.SendText(ctx, line)
	return err
}

func printMessage(c *call.Call, from domain.PeerID, msg messaging.Message) {
	name := c.Nickname(from)
	switch msg.Type {
	case messaging.TypeText:
		text, err := msg.Text()
		if err != nil {
			log.Warn().Err(err).Msg("bad text message")
			return
		}
		fmt.Printf("<%s> %s\n", name, text)
	case messaging.TypeFile:
		f, err := msg.File()
		if err != nil {
			log.Warn().Err(err).Msg("bad file message")
			return
		}
		fmt.Printf("<%s> sent %s (%s, %d bytes)\n", name, f.Name, f.MimeType, f.Size)
	}
}
