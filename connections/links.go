package connections

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/confapp/companion-sync/local"
)

var ErrInvalidLink = errors.New("connections: link must be an absolute http(s) URL")

// SocialLinks is the user's own list of profile links, shared through ExportPayload.
type SocialLinks struct {
	store local.Store
	mu    sync.Mutex
}

func NewSocialLinks(store local.Store) *SocialLinks {
	return &SocialLinks{store: store}
}

func normaliseLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidLink, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidLink, link)
	}
	return u.String(), nil
}

func (s *SocialLinks) List(ctx context.Context, userID string) ([]string, error) {
	links := []string{}
	if _, err := local.GetJSON(ctx, s.store, local.SocialLinksKey(userID), &links); err != nil {
		return nil, err
	}
	return links, nil
}

// Add appends link unless it is already present and reports whether it was added. An invalid
// link returns ErrInvalidLink and nothing is written.
func (s *SocialLinks) Add(ctx context.Context, userID, link string) (bool, error) {
	link, err := normaliseLink(link)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	links, err := s.List(ctx, userID)
	if err != nil {
		return false, err
	}
	if slices.Contains(links, link) {
		return false, nil
	}
	links = append(links, link)
	if err = local.SetJSON(ctx, s.store, local.SocialLinksKey(userID), links); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SocialLinks) Remove(ctx context.Context, userID, link string) (bool, error) {
	if normalised, err := normaliseLink(link); err == nil {
		link = normalised
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	links, err := s.List(ctx, userID)
	if err != nil {
		return false, err
	}
	i := slices.Index(links, link)
	if i < 0 {
		return false, nil
	}
	links = slices.Delete(links, i, i+1)
	if err = local.SetJSON(ctx, s.store, local.SocialLinksKey(userID), links); err != nil {
		return false, err
	}
	return true, nil
}
