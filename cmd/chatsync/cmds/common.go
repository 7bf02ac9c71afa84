// Package cmds holds the chatsync subcommands.
package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/api"
	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/eventbus"
	"github.com/go-go-golems/chatsync/pkg/presence"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/supervisor"
)

// AddGlobalFlags registers the connection flags shared by every subcommand.
// Flag names match the config keys so viper can bind them directly. Config
// file and logging flags come from clay.
func AddGlobalFlags(root *cobra.Command) {
	pf := root.PersistentFlags()
	pf.String(config.KeyAPIURL, "http://localhost:5001/api", "REST base url")
	pf.String(config.KeyWSURL, "ws://localhost:5001", "websocket base url")
	pf.String(config.KeyUsername, "", "username for password login")
	pf.String(config.KeyPassword, "", "password for password login")
	pf.String(config.KeyAccessToken, "", "stored access token, skips password login")
	pf.String(config.KeyRefreshToken, "", "stored refresh token")
	pf.Duration(config.KeyTypingInterval, presence.DefaultTypingInterval, "idle time before a typing stop is sent")
	pf.Duration(config.KeyDialTimeout, supervisor.DefaultHandshakeTimeout, "websocket handshake timeout")
	pf.Duration(config.KeyRequestTimeout, api.DefaultRequestTimeout, "REST request timeout")
}

// BindFlags binds the flags of the executing command to the global viper
// instance. It runs before every subcommand.
func BindFlags(cmd *cobra.Command) error {
	return config.Configure(viper.GetViper(), cmd.Flags())
}

func loadSettings() (config.Settings, error) {
	v := viper.GetViper()
	return config.Load(v, v.GetString("config"))
}

func newClient(s config.Settings) *api.Client {
	return api.NewClient(s.APIURL, api.WithTimeout(s.RequestTimeout))
}

// runtime is a session wired to its client and bus.
type runtime struct {
	settings config.Settings
	client   *api.Client
	bus      *eventbus.Bus
	session  *session.Session
}

// runSession starts a session loop, authenticates it and runs fn. The session
// stops when fn returns, on SIGINT/SIGTERM or on logout.
func runSession(ctx context.Context, fn func(ctx context.Context, rt *runtime) error) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	bus, err := eventbus.New(s.Redis)
	if err != nil {
		return errors.Wrap(err, "create event bus")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Debug().Err(err).Str("component", "cli").Msg("bus close")
		}
	}()

	client := newClient(s)
	sess, err := session.New(client, bus,
		session.WithWSBaseURL(s.WSURL),
		session.WithHandshakeTimeout(s.DialTimeout),
		session.WithTypingInterval(s.TypingInterval),
	)
	if err != nil {
		return err
	}
	rt := &runtime{settings: s, client: client, bus: bus, session: sess}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unregister := sess.OnLogout(func(reason string) {
		log.Warn().Str("component", "cli").Str("reason", reason).Msg("logged out")
		cancel()
	})
	defer unregister()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return sess.Run(ctx) })
	eg.Go(func() error {
		defer cancel()
		if err := rt.authenticate(ctx); err != nil {
			return err
		}
		return fn(ctx, rt)
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (rt *runtime) authenticate(ctx context.Context) error {
	s := rt.settings
	if s.AccessToken != "" {
		u, err := rt.session.Authenticate(ctx, s.Credentials())
		if err == nil {
			log.Info().Str("component", "cli").Int64("user_id", u.ID).Msg("resumed session from stored token")
			return nil
		}
		if s.Username == "" {
			return err
		}
		log.Warn().Err(err).Str("component", "cli").Msg("stored token rejected, falling back to password login")
	}
	if s.Username == "" {
		return errors.New("no credentials: set --access-token or --username/--password")
	}
	u, err := rt.session.Login(ctx, s.Username, s.Password)
	if err != nil {
		return errors.Wrap(err, "login")
	}
	log.Info().Str("component", "cli").Int64("user_id", u.ID).Str("username", u.Username).Msg("logged in")
	return nil
}

// selectTarget opens a conversation by id, or the chat with a user. Exactly
// one of the ids is expected to be set.
func selectTarget(ctx context.Context, rt *runtime, conversationID, userID int64) error {
	sess := rt.session
	if conversationID != 0 {
		return sess.SelectConversation(ctx, conversationID)
	}
	users, err := sess.ListUsers(ctx)
	if err != nil {
		return err
	}
	u := chat.User{ID: userID}
	for _, candidate := range users {
		if candidate.ID == userID {
			u = candidate
		}
	}
	return sess.SelectUser(ctx, u)
}

// waitLoaded blocks until the open conversation's messages are loaded.
func waitLoaded(ctx context.Context, sess *session.Session) (session.State, error) {
	return waitState(ctx, sess, 0, func(st session.State) bool { return !st.Loading })
}

// waitState polls the session until cond holds. A positive timeout returns the
// last state instead of failing.
func waitState(ctx context.Context, sess *session.Session, timeout time.Duration, cond func(session.State) bool) (session.State, error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		st, err := sess.Snapshot(ctx)
		if err != nil {
			return session.State{}, err
		}
		if cond(st) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return session.State{}, ctx.Err()
		case <-deadline:
			return st, nil
		case <-ticker.C:
		}
	}
}
