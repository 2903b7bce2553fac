package companion

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/confapp/companion-sync/connections"
	"github.com/confapp/companion-sync/coordinator"
	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/notifier"
	"github.com/confapp/companion-sync/state"
)

// maximum accepted request body, scanned codes included
const maxBodyBytes = 64 * 1024

// API exposes the sync layer over HTTP. The acting user is always the {user} path parameter;
// authentication happens in front of this service.
type API struct {
	Coordinator *coordinator.Coordinator
	Connections *connections.Deduplicator
	Links       *connections.SocialLinks
	Notifier    *notifier.Notifier
	// read for attendee profiles
	Remote state.RemoteStore
	Now    func() time.Time
}

type apiHandler func(w http.ResponseWriter, req *http.Request) error

func (a *API) handle(r *mux.Router, method, path, op string, fn apiHandler) {
	r.Handle(path, allowCORS(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		if user := mux.Vars(req)["user"]; user != "" {
			internal.SetRequestContextUserID(ctx, user)
		}
		internal.SetRequestContextResult(ctx, op, "ok", -1)
		err := fn(w, req)
		if err == nil {
			return
		}
		herr, ok := err.(*internal.HandlerError)
		if !ok {
			herr = internal.ExpectedFaultStatus(err)
		}
		internal.SetRequestContextResult(ctx, op, "error", -1)
		if herr.StatusCode >= 500 {
			hlog.FromRequest(req).Err(err).Str("op", op).Msg("request failed")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
	}))).Methods(method)
}

func (a *API) register(r *mux.Router) {
	a.handle(r, "GET", "/v1/users/{user}/sessions", "sessions", a.getSessions)
	a.handle(r, "POST", "/v1/users/{user}/sessions/resync", "resync", a.resyncSessions)
	a.handle(r, "GET", "/v1/users/{user}/favorites", "favorites", a.getFavorites)
	a.handle(r, "POST", "/v1/users/{user}/favorites/{session}/toggle", "toggle", a.toggleFavorite)
	a.handle(r, "GET", "/v1/users/{user}/connections", "connections", a.listConnections)
	a.handle(r, "POST", "/v1/users/{user}/connections/scan", "scan", a.scanCode)
	a.handle(r, "DELETE", "/v1/users/{user}/connections/{key}", "remove_connection", a.removeConnection)
	a.handle(r, "GET", "/v1/users/{user}/social-links", "social_links", a.listLinks)
	a.handle(r, "POST", "/v1/users/{user}/social-links", "add_link", a.addLink)
	a.handle(r, "DELETE", "/v1/users/{user}/social-links", "remove_link", a.removeLink)
	a.handle(r, "GET", "/v1/users/{user}/profile-code", "profile_code", a.profileCode)
	a.handle(r, "DELETE", "/v1/users/{user}/cache", "logout", a.logout)
	a.handle(r, "GET", "/v1/notification", "notification", a.getNotification)
	a.handle(r, "POST", "/v1/notification/dismiss", "dismiss", a.dismissNotification)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(b)
	return err
}

func readBody(req *http.Request) ([]byte, error) {
	defer req.Body.Close()
	b, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &internal.HandlerError{StatusCode: 400, Err: err}
	}
	if len(b) > maxBodyBytes {
		return nil, &internal.HandlerError{StatusCode: 413, Err: errors.New("request body too large")}
	}
	return b, nil
}

func decodeBody(req *http.Request, v interface{}) error {
	b, err := readBody(req)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(b, v); err != nil {
		return &internal.HandlerError{StatusCode: 400, Err: err}
	}
	return nil
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *API) getSessions(w http.ResponseWriter, req *http.Request) error {
	ctx := req.Context()
	user := mux.Vars(req)["user"]
	q := req.URL.Query()
	set, err := a.Coordinator.LoadSessions(ctx, user)
	if err != nil {
		return err
	}
	criteria := coordinator.Criteria{
		Day:     coordinator.Day(q.Get("day")),
		Room:    q.Get("room"),
		Speaker: q.Get("speaker"),
		Query:   q.Get("q"),
	}
	switch criteria.Day {
	case "", coordinator.DayAll, coordinator.DayToday, coordinator.DayTomorrow:
	default:
		return &internal.HandlerError{StatusCode: 400, Err: errors.New("day must be all, today or tomorrow")}
	}
	if fav := q.Get("favorites"); fav != "" {
		criteria.FavoritesOnly, err = strconv.ParseBool(fav)
		if err != nil {
			return &internal.HandlerError{StatusCode: 400, Err: err}
		}
	}
	if criteria.FavoritesOnly {
		ids, err := a.Coordinator.CachedFavorites(ctx, user)
		if err != nil {
			return err
		}
		criteria.Favorites = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			criteria.Favorites[id] = struct{}{}
		}
	}
	set.Sessions = coordinator.FilterSessions(set.Sessions, criteria, a.now())
	internal.SetRequestContextResult(ctx, "sessions", "ok", len(set.Sessions))
	return writeJSON(w, 200, set)
}

func (a *API) resyncSessions(w http.ResponseWriter, req *http.Request) error {
	set, err := a.Coordinator.ResyncSessions(req.Context(), mux.Vars(req)["user"])
	if err != nil {
		return err
	}
	internal.SetRequestContextResult(req.Context(), "resync", "ok", len(set.Sessions))
	return writeJSON(w, 200, set)
}

type favoritesResponse struct {
	Favorites []string `json:"favorites"`
	// true when the remote store was unreachable and the last known good set was returned
	Stale bool   `json:"stale,omitempty"`
	Error string `json:"error,omitempty"`
}

func (a *API) getFavorites(w http.ResponseWriter, req *http.Request) error {
	ctx := req.Context()
	user := mux.Vars(req)["user"]
	ids, err := a.Coordinator.LoadFavorites(ctx, user)
	if err != nil && internal.IsRemoteFault(err) {
		cached, cacheErr := a.Coordinator.CachedFavorites(ctx, user)
		if cacheErr != nil {
			return err
		}
		internal.SetRequestContextResult(ctx, "favorites", "stale", len(cached))
		return writeJSON(w, 200, favoritesResponse{Favorites: cached, Stale: true, Error: err.Error()})
	}
	if err != nil {
		return err
	}
	internal.SetRequestContextResult(ctx, "favorites", "ok", len(ids))
	return writeJSON(w, 200, favoritesResponse{Favorites: ids})
}

type toggleResponse struct {
	SessionID string `json:"session_id"`
	Favorite  bool   `json:"favorite"`
	// set when the remote store accepted the change but the local cache could not be rewritten
	CacheError string `json:"cache_error,omitempty"`
}

func (a *API) toggleFavorite(w http.ResponseWriter, req *http.Request) error {
	ctx := req.Context()
	vars := mux.Vars(req)
	now, err := a.Coordinator.ToggleFavorite(ctx, vars["user"], vars["session"])
	res := toggleResponse{SessionID: vars["session"], Favorite: now}
	if err != nil {
		if !internal.IsStorageFault(err) {
			return err
		}
		res.CacheError = err.Error()
	}
	internal.Logf(ctx, "favorites", "toggled %s to %v", vars["session"], now)
	return writeJSON(w, 200, res)
}

func (a *API) listConnections(w http.ResponseWriter, req *http.Request) error {
	conns, err := a.Connections.List(req.Context(), mux.Vars(req)["user"])
	if err != nil {
		return err
	}
	internal.SetRequestContextResult(req.Context(), "connections", "ok", len(conns))
	return writeJSON(w, 200, map[string]interface{}{"connections": conns})
}

func (a *API) scanCode(w http.ResponseWriter, req *http.Request) error {
	raw, err := readBody(req)
	if err != nil {
		return err
	}
	res, err := a.Connections.Merge(req.Context(), mux.Vars(req)["user"], raw)
	if err != nil {
		return err
	}
	internal.SetRequestContextResult(req.Context(), "scan", string(res.Outcome), -1)
	return writeJSON(w, 200, res)
}

func (a *API) removeConnection(w http.ResponseWriter, req *http.Request) error {
	vars := mux.Vars(req)
	removed, err := a.Connections.Remove(req.Context(), vars["user"], vars["key"])
	if err != nil {
		return err
	}
	return writeJSON(w, 200, map[string]bool{"removed": removed})
}

type linkRequest struct {
	URL string `json:"url"`
}

func (a *API) listLinks(w http.ResponseWriter, req *http.Request) error {
	links, err := a.Links.List(req.Context(), mux.Vars(req)["user"])
	if err != nil {
		return err
	}
	return writeJSON(w, 200, map[string]interface{}{"links": links})
}

func (a *API) addLink(w http.ResponseWriter, req *http.Request) error {
	var body linkRequest
	if err := decodeBody(req, &body); err != nil {
		return err
	}
	added, err := a.Links.Add(req.Context(), mux.Vars(req)["user"], body.URL)
	if errors.Is(err, connections.ErrInvalidLink) {
		return &internal.HandlerError{StatusCode: 400, Err: err}
	}
	if err != nil {
		return err
	}
	return writeJSON(w, 200, map[string]bool{"added": added})
}

func (a *API) removeLink(w http.ResponseWriter, req *http.Request) error {
	var body linkRequest
	if err := decodeBody(req, &body); err != nil {
		return err
	}
	removed, err := a.Links.Remove(req.Context(), mux.Vars(req)["user"], body.URL)
	if err != nil {
		return err
	}
	return writeJSON(w, 200, map[string]bool{"removed": removed})
}

func (a *API) profileCode(w http.ResponseWriter, req *http.Request) error {
	ctx := req.Context()
	user := mux.Vars(req)["user"]
	rows, err := a.Remote.Query(ctx, state.TableAttendees, state.Filter{"id": user})
	if err != nil {
		internal.ReportFault(ctx, user, "profile_code", err)
		return err
	}
	profiles, err := state.DecodeRows[internal.UserProfile](rows)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return &internal.HandlerError{StatusCode: 404, Err: errors.New("no attendee profile for user")}
	}
	links, err := a.Links.List(ctx, user)
	if err != nil {
		return err
	}
	code, err := connections.ExportPayload(profiles[0], links)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	_, err = w.Write(code)
	return err
}

func (a *API) logout(w http.ResponseWriter, req *http.Request) error {
	if err := a.Coordinator.Logout(req.Context(), mux.Vars(req)["user"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type notificationResponse struct {
	State  string                       `json:"state"`
	Record *notifier.NotificationRecord `json:"record,omitempty"`
}

func (a *API) getNotification(w http.ResponseWriter, req *http.Request) error {
	res := notificationResponse{State: notifier.Idle.String()}
	if rec, ok := a.Notifier.Current(); ok {
		res.State = notifier.Active.String()
		res.Record = &rec
	}
	return writeJSON(w, 200, res)
}

func (a *API) dismissNotification(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(req, &body); err != nil {
		return err
	}
	return writeJSON(w, 200, map[string]bool{"dismissed": a.Notifier.Dismiss(body.ID)})
}
