package store

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-chatclient/internal/gateway"
	"github.com/npezzotti/go-chatclient/internal/types"
	"github.com/teris-io/shortid"
)

// RemoteAPI is the slice of the REST client the store reconciles
// against.
type RemoteAPI interface {
	ListServers(ctx context.Context) ([]types.Server, error)
	CreateServer(ctx context.Context, name string) (*types.Server, error)
	UpdateServer(ctx context.Context, id, name string) (*types.Server, error)
	DeleteServer(ctx context.Context, id string) error
	LeaveServer(ctx context.Context, id string) error
	ListChannels(ctx context.Context, serverId string) ([]types.Channel, error)
	CreateChannel(ctx context.Context, serverId, name string) (*types.Channel, error)
	UpdateChannel(ctx context.Context, id, name string) (*types.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	ListMessages(ctx context.Context, channelId string, limit int) ([]types.Message, error)
	UpdateMessage(ctx context.Context, id, content string) (*types.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListMembers(ctx context.Context, serverId string) ([]types.Member, error)
}

// MessageSender transmits chat messages over the gateway. Sending is
// not a remote call: the message only appears in history once the
// server echoes it back as MESSAGE_CREATE.
type MessageSender interface {
	SendMessage(channelId, content string) bool
}

const defaultMessageLimit = 50

// Store is the consumer-facing entity state. It merges remote-call
// results and push events into one view and applies local mutations
// optimistically, rolling back to the pre-mutation snapshot when the
// remote call fails. Emitted slices are copies; callers must not write
// through them.
type Store struct {
	api    RemoteAPI
	sender MessageSender
	log    *log.Logger

	mu              sync.Mutex
	servers         []types.Server
	selectedServer  string
	channels        []types.Channel
	selectedChannel string
	messages        map[string][]types.Message
	members         []types.Member
	lastErr         error

	// in-flight optimistic mutations, keyed by entity id. Last one
	// wins: a superseded mutation neither confirms nor rolls back.
	inflight map[string]uint64
	nextGen  uint64
}

func NewStore(api RemoteAPI, sender MessageSender, logger *log.Logger) *Store {
	return &Store{
		api:      api,
		sender:   sender,
		log:      logger,
		messages: make(map[string][]types.Message),
		inflight: make(map[string]uint64),
	}
}

// mutation is one optimistic write: snap and apply run under the store
// lock before the remote call, confirm or restore runs under the lock
// after it resolves.
type mutation[S any] struct {
	key     string
	snap    func() S
	apply   func()
	call    func() error
	confirm func()
	restore func(S)
}

func runMutation[S any](s *Store, m mutation[S]) error {
	s.mu.Lock()
	s.lastErr = nil
	snapshot := m.snap()
	m.apply()
	s.nextGen++
	gen := s.nextGen
	s.inflight[m.key] = gen
	s.mu.Unlock()

	err := m.call()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight[m.key] != gen {
		// superseded by a later mutation on the same id
		return err
	}
	delete(s.inflight, m.key)

	if err != nil {
		s.log.Printf("store: rolling back mutation on %s: %v", m.key, err)
		m.restore(snapshot)
		s.lastErr = err
		return err
	}

	if m.confirm != nil {
		m.confirm()
	}
	return nil
}

func tempId() string {
	id, err := shortid.Generate()
	if err != nil {
		return fmt.Sprintf("tmp-%d", time.Now().UnixNano())
	}
	return "tmp-" + id
}

// serverSnapshot covers the per-server cascade too: removing the
// selected server clears channels and members, and a rollback must
// bring all of it back.
type serverSnapshot struct {
	servers         []types.Server
	selected        string
	channels        []types.Channel
	selectedChannel string
	members         []types.Member
}

func (s *Store) snapServersLocked() serverSnapshot {
	return serverSnapshot{
		servers:         slices.Clone(s.servers),
		selected:        s.selectedServer,
		channels:        slices.Clone(s.channels),
		selectedChannel: s.selectedChannel,
		members:         slices.Clone(s.members),
	}
}

func (s *Store) restoreServersLocked(snap serverSnapshot) {
	s.servers = snap.servers
	s.selectedServer = snap.selected
	s.channels = snap.channels
	s.selectedChannel = snap.selectedChannel
	s.members = snap.members
}

type channelSnapshot struct {
	channels []types.Channel
	selected string
}

func (s *Store) snapChannelsLocked() channelSnapshot {
	return channelSnapshot{channels: slices.Clone(s.channels), selected: s.selectedChannel}
}

func (s *Store) restoreChannelsLocked(snap channelSnapshot) {
	s.channels = snap.channels
	s.selectedChannel = snap.selected
}

// LoadServers replaces the server list with the remote one.
func (s *Store) LoadServers(ctx context.Context) ([]types.Server, error) {
	servers, err := s.api.ListServers(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		s.servers = nil
		return nil, err
	}

	s.lastErr = nil
	s.servers = servers
	return slices.Clone(servers), nil
}

// CreateServer inserts an optimistic placeholder, selects it, and
// swaps in the authoritative server once the call succeeds.
func (s *Store) CreateServer(ctx context.Context, name string) (*types.Server, error) {
	temp := types.Server{Id: tempId(), Name: name, CreatedAt: time.Now()}
	var created *types.Server

	err := runMutation(s, mutation[serverSnapshot]{
		key:  temp.Id,
		snap: s.snapServersLocked,
		apply: func() {
			s.servers = append(s.servers, temp)
			s.selectedServer = temp.Id
		},
		call: func() error {
			var err error
			created, err = s.api.CreateServer(ctx, name)
			return err
		},
		confirm: func() {
			s.replaceServerLocked(temp.Id, *created)
			if s.selectedServer == temp.Id {
				s.selectedServer = created.Id
			}
		},
		restore: s.restoreServersLocked,
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// RenameServer optimistically renames, then reconciles with the value
// the server returns.
func (s *Store) RenameServer(ctx context.Context, id, name string) (*types.Server, error) {
	var updated *types.Server

	err := runMutation(s, mutation[serverSnapshot]{
		key:  id,
		snap: s.snapServersLocked,
		apply: func() {
			for i := range s.servers {
				if s.servers[i].Id == id {
					s.servers[i].Name = name
					break
				}
			}
		},
		call: func() error {
			var err error
			updated, err = s.api.UpdateServer(ctx, id, name)
			return err
		},
		confirm: func() {
			s.replaceServerLocked(id, *updated)
		},
		restore: s.restoreServersLocked,
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// DeleteServer removes the server optimistically. If it was selected,
// the first remaining server (or none) is selected immediately and the
// choice stands once the call confirms.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	return runMutation(s, mutation[serverSnapshot]{
		key:  id,
		snap: s.snapServersLocked,
		apply: func() {
			s.removeServerLocked(id)
		},
		call: func() error {
			return s.api.DeleteServer(ctx, id)
		},
		restore: s.restoreServersLocked,
	})
}

// LeaveServer is DeleteServer for non-owners.
func (s *Store) LeaveServer(ctx context.Context, id string) error {
	return runMutation(s, mutation[serverSnapshot]{
		key:  id,
		snap: s.snapServersLocked,
		apply: func() {
			s.removeServerLocked(id)
		},
		call: func() error {
			return s.api.LeaveServer(ctx, id)
		},
		restore: s.restoreServersLocked,
	})
}

func (s *Store) replaceServerLocked(id string, srv types.Server) {
	for i := range s.servers {
		if s.servers[i].Id == id {
			s.servers[i] = srv
			return
		}
	}
	s.servers = append(s.servers, srv)
}

func (s *Store) removeServerLocked(id string) {
	s.servers = slices.DeleteFunc(s.servers, func(srv types.Server) bool {
		return srv.Id == id
	})

	if s.selectedServer == id {
		if len(s.servers) > 0 {
			s.selectedServer = s.servers[0].Id
		} else {
			s.selectedServer = ""
		}
		// channel and member state belongs to the old selection
		s.channels = nil
		s.selectedChannel = ""
		s.members = nil
	}
}

// SelectServer moves the selection pointer and drops per-server state;
// the caller reloads channels and members.
func (s *Store) SelectServer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selectedServer = id
	s.channels = nil
	s.selectedChannel = ""
	s.members = nil
}

// LoadChannels fetches the selected server's channels and selects the
// first one, if any.
func (s *Store) LoadChannels(ctx context.Context) ([]types.Channel, error) {
	s.mu.Lock()
	serverId := s.selectedServer
	s.mu.Unlock()

	if serverId == "" {
		return nil, nil
	}

	channels, err := s.api.ListChannels(ctx, serverId)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		s.channels = nil
		s.selectedChannel = ""
		return nil, err
	}

	s.lastErr = nil
	s.channels = channels
	if len(channels) > 0 {
		s.selectedChannel = channels[0].Id
	} else {
		s.selectedChannel = ""
	}
	return slices.Clone(channels), nil
}

func (s *Store) SelectChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedChannel = id
}

// CreateChannel inserts an optimistic placeholder and selects it.
func (s *Store) CreateChannel(ctx context.Context, name string) (*types.Channel, error) {
	s.mu.Lock()
	serverId := s.selectedServer
	s.mu.Unlock()

	if serverId == "" {
		return nil, fmt.Errorf("no server selected")
	}

	temp := types.Channel{Id: tempId(), ServerId: serverId, Name: name, CreatedAt: time.Now()}
	var created *types.Channel

	err := runMutation(s, mutation[channelSnapshot]{
		key:  temp.Id,
		snap: s.snapChannelsLocked,
		apply: func() {
			s.channels = append(s.channels, temp)
			s.selectedChannel = temp.Id
		},
		call: func() error {
			var err error
			created, err = s.api.CreateChannel(ctx, serverId, name)
			return err
		},
		confirm: func() {
			s.replaceChannelLocked(temp.Id, *created)
			if s.selectedChannel == temp.Id {
				s.selectedChannel = created.Id
			}
		},
		restore: s.restoreChannelsLocked,
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (s *Store) RenameChannel(ctx context.Context, id, name string) (*types.Channel, error) {
	var updated *types.Channel

	err := runMutation(s, mutation[channelSnapshot]{
		key:  id,
		snap: s.snapChannelsLocked,
		apply: func() {
			for i := range s.channels {
				if s.channels[i].Id == id {
					s.channels[i].Name = name
					break
				}
			}
		},
		call: func() error {
			var err error
			updated, err = s.api.UpdateChannel(ctx, id, name)
			return err
		},
		confirm: func() {
			s.replaceChannelLocked(id, *updated)
		},
		restore: s.restoreChannelsLocked,
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// DeleteChannel removes the channel optimistically, repairing the
// selection to the first remaining channel.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	return runMutation(s, mutation[channelSnapshot]{
		key:  id,
		snap: s.snapChannelsLocked,
		apply: func() {
			s.channels = slices.DeleteFunc(s.channels, func(ch types.Channel) bool {
				return ch.Id == id
			})
			if s.selectedChannel == id {
				if len(s.channels) > 0 {
					s.selectedChannel = s.channels[0].Id
				} else {
					s.selectedChannel = ""
				}
			}
		},
		call: func() error {
			return s.api.DeleteChannel(ctx, id)
		},
		confirm: func() {
			delete(s.messages, id)
		},
		restore: s.restoreChannelsLocked,
	})
}

func (s *Store) replaceChannelLocked(id string, ch types.Channel) {
	for i := range s.channels {
		if s.channels[i].Id == id {
			s.channels[i] = ch
			return
		}
	}
	s.channels = append(s.channels, ch)
}

// LoadMessages fetches history for the selected channel.
func (s *Store) LoadMessages(ctx context.Context, limit int) ([]types.Message, error) {
	s.mu.Lock()
	channelId := s.selectedChannel
	s.mu.Unlock()

	if channelId == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	messages, err := s.api.ListMessages(ctx, channelId, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		return nil, err
	}

	s.lastErr = nil
	s.messages[channelId] = messages
	return slices.Clone(messages), nil
}

// SendMessage transmits over the gateway only. History gains the
// message when MESSAGE_CREATE comes back, same as for every other
// participant. Returns false when the frame was dropped.
func (s *Store) SendMessage(content string) bool {
	s.mu.Lock()
	channelId := s.selectedChannel
	s.mu.Unlock()

	content = strings.TrimSpace(content)
	if channelId == "" || content == "" {
		return false
	}

	return s.sender.SendMessage(channelId, content)
}

// EditMessage optimistically rewrites the content in place.
func (s *Store) EditMessage(ctx context.Context, channelId, id, content string) (*types.Message, error) {
	var updated *types.Message

	err := runMutation(s, mutation[[]types.Message]{
		key: id,
		snap: func() []types.Message {
			return slices.Clone(s.messages[channelId])
		},
		apply: func() {
			msgs := s.messages[channelId]
			for i := range msgs {
				if msgs[i].Id == id {
					msgs[i].Content = content
					break
				}
			}
		},
		call: func() error {
			var err error
			updated, err = s.api.UpdateMessage(ctx, id, content)
			return err
		},
		confirm: func() {
			msgs := s.messages[channelId]
			for i := range msgs {
				if msgs[i].Id == id {
					msgs[i] = *updated
					break
				}
			}
		},
		restore: func(snap []types.Message) {
			s.messages[channelId] = snap
		},
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (s *Store) DeleteMessage(ctx context.Context, channelId, id string) error {
	return runMutation(s, mutation[[]types.Message]{
		key: id,
		snap: func() []types.Message {
			return slices.Clone(s.messages[channelId])
		},
		apply: func() {
			s.messages[channelId] = slices.DeleteFunc(s.messages[channelId], func(m types.Message) bool {
				return m.Id == id
			})
		},
		call: func() error {
			return s.api.DeleteMessage(ctx, id)
		},
		restore: func(snap []types.Message) {
			s.messages[channelId] = snap
		},
	})
}

// LoadMembers fetches the selected server's member list.
func (s *Store) LoadMembers(ctx context.Context) ([]types.Member, error) {
	s.mu.Lock()
	serverId := s.selectedServer
	s.mu.Unlock()

	if serverId == "" {
		return nil, nil
	}

	members, err := s.api.ListMembers(ctx, serverId)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		s.members = nil
		return nil, err
	}

	s.lastErr = nil
	s.members = members
	return slices.Clone(members), nil
}

// ApplyEvent merges one push event into the store. Application is
// idempotent by identifier: duplicate creates merge, updates for
// unknown ids are dropped, deletes remove if present.
func (s *Store) ApplyEvent(event *gateway.ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Op {
	case gateway.OpMessageCreate:
		s.applyMessageCreateLocked(event.MessageCreate)
	case gateway.OpMessageUpdate:
		s.applyMessageUpdateLocked(event.MessageUpdate)
	case gateway.OpMessageDelete:
		msgs := s.messages[event.MessageDelete.ChannelId]
		s.messages[event.MessageDelete.ChannelId] = slices.DeleteFunc(msgs, func(m types.Message) bool {
			return m.Id == event.MessageDelete.Id
		})
	}
}

func (s *Store) applyMessageCreateLocked(msg *types.Message) {
	msgs := s.messages[msg.ChannelId]
	for i := range msgs {
		if msgs[i].Id == msg.Id {
			// echo of a message already present, e.g. a network retry
			msgs[i] = *msg
			return
		}
	}
	s.messages[msg.ChannelId] = append(msgs, *msg)
}

func (s *Store) applyMessageUpdateLocked(upd *gateway.MessageUpdateData) {
	msgs := s.messages[upd.ChannelId]
	for i := range msgs {
		if msgs[i].Id == upd.Id {
			msgs[i].Content = upd.Content
			if t, err := time.Parse(time.RFC3339, upd.EditedAt); err == nil {
				msgs[i].EditedAt = &t
			}
			return
		}
	}
	// update for an id we never saw: drop it
}

func (s *Store) Servers() []types.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.servers)
}

func (s *Store) SelectedServer() *types.Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.servers {
		if s.servers[i].Id == s.selectedServer {
			srv := s.servers[i]
			return &srv
		}
	}
	return nil
}

func (s *Store) Channels() []types.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.channels)
}

func (s *Store) SelectedChannel() *types.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.channels {
		if s.channels[i].Id == s.selectedChannel {
			ch := s.channels[i]
			return &ch
		}
	}
	return nil
}

func (s *Store) Messages(channelId string) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages[channelId])
}

func (s *Store) Members() []types.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.members)
}

// Err returns the failure recorded by the most recent operation, or
// nil after a success.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
