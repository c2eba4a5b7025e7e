package round

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyfold/storyfold/internal/gameerr"
	"github.com/storyfold/storyfold/internal/models"
)

// fakeStore is an in-memory Store whose WithLobby serializes on a single
// mutex, mirroring the exclusive row lock the Postgres store takes. Rollback
// is not simulated; engine transitions validate before they mutate.
type fakeStore struct {
	mu       sync.Mutex
	lobbies  map[string]*models.Lobby
	users    map[uuid.UUID]*models.User
	stories  map[string][]*models.Story
	elements map[uuid.UUID][]models.StoryElement

	joinSeq map[uuid.UUID]int64
	seq     int64

	now func() time.Time
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{
		lobbies:  make(map[string]*models.Lobby),
		users:    make(map[uuid.UUID]*models.User),
		stories:  make(map[string][]*models.Story),
		elements: make(map[uuid.UUID][]models.StoryElement),
		joinSeq:  make(map[uuid.UUID]int64),
		now:      now,
	}
}

func (s *fakeStore) WithLobby(ctx context.Context, code string, fn func(tx Tx, lobby *models.Lobby) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lobby, ok := s.lobbies[code]
	if !ok {
		return gameerr.ErrLobbyNotFound
	}
	snapshot := *lobby
	return fn(&fakeTx{s: s}, &snapshot)
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&fakeTx{s: s})
}

func (s *fakeStore) GetLobby(ctx context.Context, code string) (*models.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lobby, ok := s.lobbies[code]
	if !ok {
		return nil, gameerr.ErrLobbyNotFound
	}
	snapshot := *lobby
	return &snapshot, nil
}

func (s *fakeStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUserLocked(id)
}

func (s *fakeStore) getUserLocked(id uuid.UUID) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, gameerr.ErrUserNotFound
	}
	snapshot := *user
	return &snapshot, nil
}

func (s *fakeStore) ListMembers(ctx context.Context, code string) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listMembersLocked(code), nil
}

func (s *fakeStore) listMembersLocked(code string) []models.User {
	var members []models.User
	for _, u := range s.users {
		if u.LobbyCode != nil && *u.LobbyCode == code {
			members = append(members, *u)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return s.joinSeq[members[i].ID] < s.joinSeq[members[j].ID]
	})
	return members
}

func (s *fakeStore) ListStories(ctx context.Context, code string) ([]models.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listStoriesLocked(code), nil
}

func (s *fakeStore) listStoriesLocked(code string) []models.Story {
	stories := make([]models.Story, 0, len(s.stories[code]))
	for _, st := range s.stories[code] {
		stories = append(stories, *st)
	}
	sort.Slice(stories, func(i, j int) bool { return stories[i].Index < stories[j].Index })
	return stories
}

func (s *fakeStore) GetStoryWithElements(ctx context.Context, code string, index int) (*models.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.stories[code] {
		if st.Index == index {
			snapshot := *st
			els := append([]models.StoryElement(nil), s.elements[st.ID]...)
			sort.Slice(els, func(i, j int) bool { return els[i].Index < els[j].Index })
			snapshot.Elements = els
			return &snapshot, nil
		}
	}
	return nil, gameerr.ErrStoryNotFound
}

func (s *fakeStore) ListActiveLobbies(ctx context.Context) ([]*models.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*models.Lobby
	for _, l := range s.lobbies {
		if l.Round > 0 {
			snapshot := *l
			active = append(active, &snapshot)
		}
	}
	return active, nil
}

func (s *fakeStore) ListInactiveUsers(ctx context.Context, cutoff time.Time) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []models.User
	for _, u := range s.users {
		if u.LastActiveAt.Before(cutoff) {
			stale = append(stale, *u)
		}
	}
	return stale, nil
}

// fakeTx mutates the fake directly; the store mutex is held by the caller.
type fakeTx struct {
	s *fakeStore
}

func (t *fakeTx) CreateLobby(ctx context.Context, l *models.Lobby) error {
	snapshot := *l
	snapshot.CreatedAt = t.s.now()
	snapshot.UpdatedAt = snapshot.CreatedAt
	t.s.lobbies[l.Code] = &snapshot
	return nil
}

func (t *fakeTx) UpdateRoundState(ctx context.Context, code string, round, usersSubmitted int, startAt, endAt *time.Time) error {
	lobby, ok := t.s.lobbies[code]
	if !ok {
		return gameerr.ErrLobbyNotFound
	}
	lobby.Round = round
	lobby.UsersSubmitted = usersSubmitted
	lobby.RoundStartAt = startAt
	lobby.RoundEndAt = endAt
	lobby.UpdatedAt = t.s.now()
	return nil
}

func (t *fakeTx) SetUsersSubmitted(ctx context.Context, code string, count int) error {
	lobby, ok := t.s.lobbies[code]
	if !ok {
		return gameerr.ErrLobbyNotFound
	}
	lobby.UsersSubmitted = count
	return nil
}

func (t *fakeTx) UpdateSettings(ctx context.Context, code string, settings models.LobbySettings) error {
	lobby, ok := t.s.lobbies[code]
	if !ok {
		return gameerr.ErrLobbyNotFound
	}
	lobby.Settings = settings
	return nil
}

func (t *fakeTx) UpdateHost(ctx context.Context, code string, hostUserID uuid.UUID) error {
	lobby, ok := t.s.lobbies[code]
	if !ok {
		return gameerr.ErrLobbyNotFound
	}
	lobby.HostUserID = hostUserID
	return nil
}

func (t *fakeTx) DeleteLobby(ctx context.Context, code string) error {
	delete(t.s.lobbies, code)
	return nil
}

func (t *fakeTx) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return t.s.getUserLocked(id)
}

func (t *fakeTx) ListMembers(ctx context.Context, code string) ([]models.User, error) {
	return t.s.listMembersLocked(code), nil
}

func (t *fakeTx) UpsertUser(ctx context.Context, id uuid.UUID, nickname string) error {
	if user, ok := t.s.users[id]; ok {
		user.Nickname = nickname
		user.LastActiveAt = t.s.now()
		return nil
	}
	t.s.users[id] = &models.User{
		ID:           id,
		Nickname:     nickname,
		LastActiveAt: t.s.now(),
	}
	return nil
}

func (t *fakeTx) SetUserLobby(ctx context.Context, id uuid.UUID, code string) error {
	user, ok := t.s.users[id]
	if !ok {
		return gameerr.ErrUserNotFound
	}
	user.LobbyCode = &code
	user.Ready = false
	user.JoinedAt = t.s.now()
	user.LastActiveAt = t.s.now()
	t.s.seq++
	t.s.joinSeq[id] = t.s.seq
	return nil
}

func (t *fakeTx) ClearUserLobby(ctx context.Context, id uuid.UUID) error {
	user, ok := t.s.users[id]
	if !ok {
		return gameerr.ErrUserNotFound
	}
	user.LobbyCode = nil
	user.Ready = false
	return nil
}

func (t *fakeTx) SetReady(ctx context.Context, id uuid.UUID, ready bool) error {
	user, ok := t.s.users[id]
	if !ok {
		return gameerr.ErrUserNotFound
	}
	user.Ready = ready
	return nil
}

func (t *fakeTx) ResetReady(ctx context.Context, code string) error {
	for _, u := range t.s.users {
		if u.LobbyCode != nil && *u.LobbyCode == code {
			u.Ready = false
		}
	}
	return nil
}

func (t *fakeTx) TouchUser(ctx context.Context, id uuid.UUID) error {
	user, ok := t.s.users[id]
	if !ok {
		return gameerr.ErrUserNotFound
	}
	user.LastActiveAt = t.s.now()
	return nil
}

func (t *fakeTx) DeleteUser(ctx context.Context, id uuid.UUID) error {
	delete(t.s.users, id)
	delete(t.s.joinSeq, id)
	return nil
}

func (t *fakeTx) CreateStories(ctx context.Context, code string, contributors []models.User) ([]models.Story, error) {
	stories := make([]models.Story, 0, len(contributors))
	for i, u := range contributors {
		st := &models.Story{
			ID:            uuid.New(),
			LobbyCode:     code,
			Index:         i,
			ContributorID: u.ID,
			Name:          u.Nickname,
		}
		t.s.stories[code] = append(t.s.stories[code], st)
		stories = append(stories, *st)
	}
	return stories, nil
}

func (t *fakeTx) ListStories(ctx context.Context, code string) ([]models.Story, error) {
	return t.s.listStoriesLocked(code), nil
}

func (t *fakeTx) GetStory(ctx context.Context, code string, index int) (*models.Story, error) {
	for _, st := range t.s.stories[code] {
		if st.Index == index {
			snapshot := *st
			return &snapshot, nil
		}
	}
	return nil, gameerr.ErrStoryNotFound
}

func (t *fakeTx) ReplaceElements(ctx context.Context, storyID, authorID uuid.UUID, round int, elements []models.StoryElement) error {
	kept := t.s.elements[storyID][:0]
	for _, el := range t.s.elements[storyID] {
		if el.AuthorID == authorID && el.Round == round {
			continue
		}
		kept = append(kept, el)
	}
	next := 0
	for _, el := range kept {
		if el.Index >= next {
			next = el.Index + 1
		}
	}
	out := append([]models.StoryElement(nil), kept...)
	for _, el := range elements {
		el.StoryID = storyID
		el.AuthorID = authorID
		el.Round = round
		el.Index = next
		next++
		out = append(out, el)
	}
	t.s.elements[storyID] = out
	return nil
}

func (t *fakeTx) InsertPlaceholder(ctx context.Context, storyID, authorID uuid.UUID, round int) error {
	next := 0
	for _, el := range t.s.elements[storyID] {
		if el.Index >= next {
			next = el.Index + 1
		}
	}
	t.s.elements[storyID] = append(t.s.elements[storyID], models.StoryElement{
		StoryID:  storyID,
		Index:    next,
		AuthorID: authorID,
		Round:    round,
		Type:     models.ElementTypeEmpty,
	})
	return nil
}

func (t *fakeTx) HasElementsForRound(ctx context.Context, storyID, authorID uuid.UUID, round int) (bool, error) {
	for _, el := range t.s.elements[storyID] {
		if el.AuthorID == authorID && el.Round == round {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeTx) DeleteStoriesByLobby(ctx context.Context, code string) error {
	for _, st := range t.s.stories[code] {
		delete(t.s.elements, st.ID)
	}
	delete(t.s.stories, code)
	return nil
}
