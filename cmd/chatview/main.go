package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/PaulBabatuyi/chatview/internal/auth"
	"github.com/PaulBabatuyi/chatview/internal/client"
	"github.com/PaulBabatuyi/chatview/internal/config"
	"github.com/PaulBabatuyi/chatview/internal/data"
	"github.com/PaulBabatuyi/chatview/internal/notify"
	"github.com/PaulBabatuyi/chatview/internal/obs"
	"github.com/PaulBabatuyi/chatview/internal/ratelimit"
	"github.com/PaulBabatuyi/chatview/internal/socket"
	"github.com/PaulBabatuyi/chatview/internal/state"
	"github.com/PaulBabatuyi/chatview/internal/view"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	// stdout belongs to the view
	logger := obs.NewLoggerTo(os.Stderr, cfg.Env, obs.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("chatview exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Client, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(cfg.APIURL, cfg.Token, cfg.FetchTimeout, logger)
	user, err := signIn(ctx, api, cfg)
	if err != nil {
		return err
	}
	logger.Info("signed in", "username", user.Username, "user_id", user.ID)

	conn, err := openConn(ctx, cfg, api.Token, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	convs, err := api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	toaster := notify.NewAsync(&notify.WriterToaster{W: os.Stderr}, 16)
	defer toaster.Close()
	soundLimiter := ratelimit.NewLimiterStore(cfg.NotifyRPM, 1, time.Minute)
	defer soundLimiter.Stop()

	a := &app{
		api:       api,
		selection: state.NewAtom(data.Selection{}),
		convs:     state.NewAtom(convs),
		focus:     notify.NewFocusFlag(true),
		toaster:   toaster,
		screen:    &screen{w: os.Stdout},
		logger:    logger,
	}
	container := view.New(view.Deps{
		Conn:          conn,
		API:           api,
		Selection:     a.selection,
		Conversations: a.convs,
		User:          state.NewAtom(*user),
		Toaster:       toaster,
		Sound:         notify.Throttled{Sound: &notify.Bell{W: os.Stdout}, Limiter: soundLimiter},
		Focus:         a.focus,
		Scroller: view.ScrollerFunc(func(r view.ScrollRequest) {
			logger.Debug("scroll", "row", r.Row, "message_id", r.MessageID)
		}),
		Logger: logger,
	})
	a.view = container

	unwatch := container.Watch(a.screen.draw)
	defer unwatch()
	stopView := container.Start(ctx)
	defer stopView()

	a.screen.draw(container.Snapshot())
	a.printConversations(os.Stdout)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return fmt.Errorf("event channel closed: %w", conn.Err())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.handleLine(ctx, line, os.Stdout); quit {
				return nil
			}
		}
	}
}

// liveConn is a socket.Conn that reports when it ends.
type liveConn interface {
	socket.Conn
	Done() <-chan struct{}
	Err() error
}

func openConn(ctx context.Context, cfg config.Client, token string, logger *slog.Logger) (liveConn, error) {
	switch cfg.Transport {
	case config.TransportGRPC:
		cc, err := grpc.NewClient(cfg.GRPCAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStreamInterceptor(socket.BearerStreamInterceptor(token)),
		)
		if err != nil {
			return nil, fmt.Errorf("grpc client: %w", err)
		}
		conn, err := socket.DialGRPC(ctx, cc, logger)
		if err != nil {
			_ = cc.Close()
			return nil, err
		}
		go func() {
			<-conn.Done()
			_ = cc.Close()
		}()
		return conn, nil
	default:
		return socket.DialWS(ctx, cfg.SocketURL, token, logger)
	}
}

// signIn logs in with username and password, or trusts a configured token.
func signIn(ctx context.Context, api *client.Client, cfg config.Client) (*data.User, error) {
	if cfg.Token == "" {
		session, err := api.Login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("login: %w", err)
		}
		return &session.User, nil
	}

	id, err := auth.IdentityFromToken(cfg.Token)
	if err != nil {
		return nil, err
	}
	return &data.User{ID: id.UserID, Username: id.Username}, nil
}
