package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/UkralStul/collab-doc-service/internal/collab"
	"github.com/UkralStul/collab-doc-service/internal/collab/comments"
	"github.com/UkralStul/collab-doc-service/internal/collab/content"
	"github.com/UkralStul/collab-doc-service/internal/collab/presence"
	"github.com/UkralStul/collab-doc-service/internal/storage/remote"
)

var watchOpts struct {
	url      string
	document string
	user     string
	name     string
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join a document on a running server and log what collaborators do",
	Long: `Opens a collaboration session against a running server. Remote edits, cursors
and comment markers are logged; every line read from stdin replaces the document content.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := remote.New(remote.Options{BaseURL: watchOpts.url, Logger: log})
		if err != nil {
			return err
		}
		defer store.Close()

		session, err := collab.Open(ctx, store, collab.Options{
			DocumentID:  watchOpts.document,
			UserID:      watchOpts.user,
			DisplayName: watchOpts.name,
			Timing: collab.Timing{
				EditDebounce:     cfg.Collab.EditDebounce,
				PresenceThrottle: cfg.Collab.PresenceThrottle,
				PresencePoll:     cfg.Collab.PresencePoll,
				PresenceTTL:      cfg.Collab.PresenceTTL,
			},
			Logger: log,
			OnRemoteEdit: func(n content.Notification) {
				log.Info().Str("by", n.EditedBy).Time("at", n.EditedAt).Msg(n.Message())
			},
			OnSave: func(string) {
				log.Debug().Msg("content saved")
			},
			OnCursors: func(cursors map[string]presence.Cursor) {
				for _, c := range cursors {
					log.Debug().Str("user", c.UserID).Str("name", c.DisplayName).
						Float64("x", c.X).Float64("y", c.Y).Str("status", c.Status).Msg("cursor")
				}
			},
			OnMarkers: func(markers []comments.Marker) {
				for _, m := range markers {
					log.Info().Str("comment", m.Root.ID).Str("author", m.Root.AuthorName).
						Float64("top", m.Top).Int("replies", len(m.Replies)).Msg(m.Root.Content)
				}
			},
		})
		if err != nil {
			return err
		}
		log.Info().Str("document", watchOpts.document).Str("content", session.Content.Content()).Msg("joined")

		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				session.Edit(scanner.Text())
			}
		}()

		<-ctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := session.Close(closeCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info().Msg("left document")
		return nil
	},
}

func init() {
	f := watchCmd.Flags()
	f.StringVar(&watchOpts.url, "url", "http://localhost:8080", "server base url")
	f.StringVar(&watchOpts.document, "document", seedDocumentID, "document id")
	f.StringVar(&watchOpts.user, "user", "", "user id")
	f.StringVar(&watchOpts.name, "name", "", "display name")
	_ = watchCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(watchCmd)
}
