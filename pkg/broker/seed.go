package broker

import (
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"
)

const (
	seedServerCount = 20
	seedMetaKey     = "db_seeded"
)

// Server is a sample server listing written by the seeder.
type Server struct {
	ServerID    string  `json:"server_id"`
	OwnerID     string  `json:"owner_id"`
	Lang        int     `json:"lang"`
	Status      int     `json:"status"`
	Invite      string  `json:"invite"`
	Name        string  `json:"name"`
	Summary     string  `json:"summary"`
	Description string  `json:"description"`
	Website     *string `json:"website"`
	Logo        string  `json:"logo"`
	Banner      *string `json:"banner"`
	Video       *string `json:"video"`
	Categories  int     `json:"categories"`
	UpdatedAt   string  `json:"updated_at"`
}

var serverCard = template.Must(template.New("card").Parse(`<div class="flex flex-col gap-2 p-2">
	<img src="{{.Logo}}" alt="{{.Name}}" class="w-12 h-12 rounded-full" />
	<h3 class="text-lg font-bold">{{.Name}}</h3>
	<p class="text-sm opacity-70">{{.Summary}}</p>
	<a href="{{.Invite}}" class="text-purple-400 underline text-xs">Join</a>
</div>`))

// SampleServers returns the listings written on first start.
func SampleServers(now time.Time) []Server {
	servers := make([]Server, 0, seedServerCount)
	for i := 1; i <= seedServerCount; i++ {
		s := Server{
			ServerID:    fmt.Sprintf("server-%d", i),
			OwnerID:     fmt.Sprintf("owner-%d", i),
			Lang:        i % 3,
			Invite:      fmt.Sprintf("https://discord.gg/fakeinvite%d", i),
			Name:        fmt.Sprintf("Server %d", i),
			Summary:     fmt.Sprintf("This is the summary for server %d.", i),
			Description: fmt.Sprintf("Server %d is a vibrant community focused on discussion and events.", i),
			Logo:        fmt.Sprintf("https://api.dicebear.com/7.x/bottts/svg?seed=server%d", i),
			Categories:  (i % 5) + 1,
			UpdatedAt:   now.Add(-time.Duration(i) * time.Hour).UTC().Format(time.RFC3339Nano),
		}
		if i%2 == 0 {
			s.Status = 1
			website := fmt.Sprintf("https://server%d.com", i)
			s.Website = &website
		}
		servers = append(servers, s)
	}
	return servers
}

// RenderServerCard renders the HTML card stored for a listing.
func RenderServerCard(s Server) (string, error) {
	var sb strings.Builder
	if err := serverCard.Execute(&sb, s); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// seedAsync seeds the store in the background the first time a channel
// connects, when seeding is enabled.
func (b *Broker) seedAsync() {
	if !b.cfg.Store.Seed || b.seeded.Load() {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		if err := b.Seed(b.ctx); err != nil {
			b.logger.Warn("Store seeding failed", "error", err)
		}
	}()
}

// Seed writes the sample listings unless meta.db_seeded is already true.
// The marker is written last so an interrupted seed runs again.
func (b *Broker) Seed(ctx context.Context) error {
	b.seedMu.Lock()
	defer b.seedMu.Unlock()

	if b.seeded.Load() {
		return nil
	}

	var done bool
	if _, err := b.store.GetInto(ctx, "meta", seedMetaKey, &done); err != nil {
		return err
	}
	if done {
		b.seeded.Store(true)
		b.logger.Debug("Store already seeded")
		return nil
	}

	servers := SampleServers(time.Now())
	for _, s := range servers {
		card, err := RenderServerCard(s)
		if err != nil {
			return err
		}
		if err := b.store.Set(ctx, "jsonservers", s.ServerID, s); err != nil {
			return err
		}
		if err := b.store.Set(ctx, "htmlservers", s.ServerID, card); err != nil {
			return err
		}
	}
	if err := b.store.Set(ctx, "meta", seedMetaKey, true); err != nil {
		return err
	}

	b.seeded.Store(true)
	b.logger.Info("Store seeded", "servers", len(servers))
	return nil
}
