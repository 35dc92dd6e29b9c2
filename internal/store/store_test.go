package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatclient/internal/gateway"
	"github.com/npezzotti/go-chatclient/internal/testutil"
	"github.com/npezzotti/go-chatclient/internal/types"
	"github.com/stretchr/testify/assert"
)

type fakeAPI struct {
	ListServersFunc   func(ctx context.Context) ([]types.Server, error)
	CreateServerFunc  func(ctx context.Context, name string) (*types.Server, error)
	UpdateServerFunc  func(ctx context.Context, id, name string) (*types.Server, error)
	DeleteServerFunc  func(ctx context.Context, id string) error
	LeaveServerFunc   func(ctx context.Context, id string) error
	ListChannelsFunc  func(ctx context.Context, serverId string) ([]types.Channel, error)
	CreateChannelFunc func(ctx context.Context, serverId, name string) (*types.Channel, error)
	UpdateChannelFunc func(ctx context.Context, id, name string) (*types.Channel, error)
	DeleteChannelFunc func(ctx context.Context, id string) error
	ListMessagesFunc  func(ctx context.Context, channelId string, limit int) ([]types.Message, error)
	UpdateMessageFunc func(ctx context.Context, id, content string) (*types.Message, error)
	DeleteMessageFunc func(ctx context.Context, id string) error
	ListMembersFunc   func(ctx context.Context, serverId string) ([]types.Member, error)
}

func (f *fakeAPI) ListServers(ctx context.Context) ([]types.Server, error) {
	return f.ListServersFunc(ctx)
}

func (f *fakeAPI) CreateServer(ctx context.Context, name string) (*types.Server, error) {
	return f.CreateServerFunc(ctx, name)
}

func (f *fakeAPI) UpdateServer(ctx context.Context, id, name string) (*types.Server, error) {
	return f.UpdateServerFunc(ctx, id, name)
}

func (f *fakeAPI) DeleteServer(ctx context.Context, id string) error {
	return f.DeleteServerFunc(ctx, id)
}

func (f *fakeAPI) LeaveServer(ctx context.Context, id string) error {
	return f.LeaveServerFunc(ctx, id)
}

func (f *fakeAPI) ListChannels(ctx context.Context, serverId string) ([]types.Channel, error) {
	return f.ListChannelsFunc(ctx, serverId)
}

func (f *fakeAPI) CreateChannel(ctx context.Context, serverId, name string) (*types.Channel, error) {
	return f.CreateChannelFunc(ctx, serverId, name)
}

func (f *fakeAPI) UpdateChannel(ctx context.Context, id, name string) (*types.Channel, error) {
	return f.UpdateChannelFunc(ctx, id, name)
}

func (f *fakeAPI) DeleteChannel(ctx context.Context, id string) error {
	return f.DeleteChannelFunc(ctx, id)
}

func (f *fakeAPI) ListMessages(ctx context.Context, channelId string, limit int) ([]types.Message, error) {
	return f.ListMessagesFunc(ctx, channelId, limit)
}

func (f *fakeAPI) UpdateMessage(ctx context.Context, id, content string) (*types.Message, error) {
	return f.UpdateMessageFunc(ctx, id, content)
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, id string) error {
	return f.DeleteMessageFunc(ctx, id)
}

func (f *fakeAPI) ListMembers(ctx context.Context, serverId string) ([]types.Member, error) {
	return f.ListMembersFunc(ctx, serverId)
}

type fakeSender struct {
	mu       sync.Mutex
	channels []string
	contents []string
	ok       bool
}

func (f *fakeSender) SendMessage(channelId, content string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channelId)
	f.contents = append(f.contents, content)
	return f.ok
}

func newTestStore(t *testing.T, api *fakeAPI) (*Store, *fakeSender) {
	t.Helper()
	sender := &fakeSender{ok: true}
	return NewStore(api, sender, testutil.TestLogger(t)), sender
}

func seedServers(s *Store, servers ...types.Server) {
	s.mu.Lock()
	s.servers = servers
	if len(servers) > 0 {
		s.selectedServer = servers[0].Id
	}
	s.mu.Unlock()
}

func seedChannels(s *Store, channels ...types.Channel) {
	s.mu.Lock()
	s.channels = channels
	if len(channels) > 0 {
		s.selectedChannel = channels[0].Id
	}
	s.mu.Unlock()
}

func seedMembers(s *Store, members ...types.Member) {
	s.mu.Lock()
	s.members = members
	s.mu.Unlock()
}

func seedMessages(s *Store, channelId string, msgs ...types.Message) {
	s.mu.Lock()
	s.messages[channelId] = msgs
	s.mu.Unlock()
}

func TestStore_LoadServers(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		api := &fakeAPI{
			ListServersFunc: func(ctx context.Context) ([]types.Server, error) {
				return []types.Server{{Id: "s1", Name: "general"}}, nil
			},
		}
		s, _ := newTestStore(t, api)

		servers, err := s.LoadServers(context.Background())
		assert.NoError(t, err)
		assert.Len(t, servers, 1)
		assert.Equal(t, "s1", servers[0].Id)
		assert.NoError(t, s.Err())
	})

	t.Run("failure", func(t *testing.T) {
		api := &fakeAPI{
			ListServersFunc: func(ctx context.Context) ([]types.Server, error) {
				return nil, errors.New("boom")
			},
		}
		s, _ := newTestStore(t, api)

		_, err := s.LoadServers(context.Background())
		assert.Error(t, err)
		assert.Error(t, s.Err())
		assert.Empty(t, s.Servers())
	})
}

func TestStore_CreateServer(t *testing.T) {
	t.Run("placeholder visible during call", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		api := &fakeAPI{
			CreateServerFunc: func(ctx context.Context, name string) (*types.Server, error) {
				close(entered)
				<-release
				return &types.Server{Id: "s1", Name: name}, nil
			},
		}
		s, _ := newTestStore(t, api)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := s.CreateServer(context.Background(), "general")
			assert.NoError(t, err)
		}()

		<-entered
		servers := s.Servers()
		assert.Len(t, servers, 1)
		assert.Equal(t, "general", servers[0].Name)
		assert.NotEqual(t, "s1", servers[0].Id, "expected a placeholder id before the call resolves")
		selected := s.SelectedServer()
		assert.NotNil(t, selected)
		assert.Equal(t, servers[0].Id, selected.Id, "expected the placeholder to be selected")

		close(release)
		<-done

		servers = s.Servers()
		assert.Len(t, servers, 1)
		assert.Equal(t, "s1", servers[0].Id, "expected the placeholder swapped for the authoritative entity")
		selected = s.SelectedServer()
		assert.NotNil(t, selected)
		assert.Equal(t, "s1", selected.Id, "expected the selection to follow the authoritative id")
	})

	t.Run("rollback on failure", func(t *testing.T) {
		api := &fakeAPI{
			CreateServerFunc: func(ctx context.Context, name string) (*types.Server, error) {
				return nil, errors.New("boom")
			},
		}
		s, _ := newTestStore(t, api)
		seedServers(s, types.Server{Id: "s1", Name: "existing"})

		before := s.Servers()
		_, err := s.CreateServer(context.Background(), "general")
		assert.Error(t, err)
		assert.Equal(t, before, s.Servers(), "expected state identical to the pre-mutation snapshot")
		assert.Error(t, s.Err())
	})
}

func TestStore_RenameServer_rollback(t *testing.T) {
	api := &fakeAPI{
		UpdateServerFunc: func(ctx context.Context, id, name string) (*types.Server, error) {
			return nil, errors.New("boom")
		},
	}
	s, _ := newTestStore(t, api)
	seedServers(s, types.Server{Id: "s1", Name: "old"})

	_, err := s.RenameServer(context.Background(), "s1", "new")
	assert.Error(t, err)
	assert.Equal(t, "old", s.Servers()[0].Name, "expected the optimistic rename rolled back")
	assert.Error(t, s.Err())
}

func TestStore_DeleteServer(t *testing.T) {
	t.Run("selection repair", func(t *testing.T) {
		api := &fakeAPI{
			DeleteServerFunc: func(ctx context.Context, id string) error { return nil },
		}
		s, _ := newTestStore(t, api)
		seedServers(s, types.Server{Id: "s1"}, types.Server{Id: "s2"})
		seedChannels(s, types.Channel{Id: "c1", ServerId: "s1"})

		err := s.DeleteServer(context.Background(), "s1")
		assert.NoError(t, err)

		servers := s.Servers()
		assert.Len(t, servers, 1)
		selected := s.SelectedServer()
		assert.NotNil(t, selected)
		assert.Equal(t, "s2", selected.Id, "expected the first remaining server selected")
		assert.Empty(t, s.Channels(), "expected channels of the old selection dropped")
		assert.Nil(t, s.SelectedChannel())
	})

	t.Run("rollback restores selection", func(t *testing.T) {
		api := &fakeAPI{
			DeleteServerFunc: func(ctx context.Context, id string) error { return errors.New("boom") },
		}
		s, _ := newTestStore(t, api)
		seedServers(s, types.Server{Id: "s1"}, types.Server{Id: "s2"})

		err := s.DeleteServer(context.Background(), "s1")
		assert.Error(t, err)
		assert.Len(t, s.Servers(), 2)
		selected := s.SelectedServer()
		assert.NotNil(t, selected)
		assert.Equal(t, "s1", selected.Id)
	})

	t.Run("rollback restores cascaded state", func(t *testing.T) {
		api := &fakeAPI{
			DeleteServerFunc: func(ctx context.Context, id string) error { return errors.New("boom") },
		}
		s, _ := newTestStore(t, api)
		seedServers(s, types.Server{Id: "s1"}, types.Server{Id: "s2"})
		seedChannels(s, types.Channel{Id: "c1", ServerId: "s1"})
		seedMembers(s, types.Member{ServerId: "s1", UserId: "u1"})

		beforeChannels := s.Channels()
		beforeMembers := s.Members()

		err := s.DeleteServer(context.Background(), "s1")
		assert.Error(t, err)
		assert.Equal(t, beforeChannels, s.Channels(),
			"expected the channels cleared by the cascade to come back")
		assert.Equal(t, beforeMembers, s.Members(),
			"expected the members cleared by the cascade to come back")
		selected := s.SelectedChannel()
		assert.NotNil(t, selected)
		assert.Equal(t, "c1", selected.Id, "expected the channel selection restored")
	})
}

func TestStore_LeaveServer_rollback(t *testing.T) {
	api := &fakeAPI{
		LeaveServerFunc: func(ctx context.Context, id string) error { return errors.New("boom") },
	}
	s, _ := newTestStore(t, api)
	seedServers(s, types.Server{Id: "s1"}, types.Server{Id: "s2"})
	seedChannels(s, types.Channel{Id: "c1", ServerId: "s1"})

	err := s.LeaveServer(context.Background(), "s1")
	assert.Error(t, err)
	assert.Len(t, s.Servers(), 2)
	assert.Len(t, s.Channels(), 1, "expected channels restored with the server")
	selected := s.SelectedChannel()
	assert.NotNil(t, selected)
	assert.Equal(t, "c1", selected.Id)
}

func TestStore_lastMutationWins(t *testing.T) {
	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})
	api := &fakeAPI{
		UpdateServerFunc: func(ctx context.Context, id, name string) (*types.Server, error) {
			if name == "first" {
				close(firstEntered)
				<-releaseFirst
				return nil, errors.New("boom")
			}
			return &types.Server{Id: id, Name: name}, nil
		},
	}
	s, _ := newTestStore(t, api)
	seedServers(s, types.Server{Id: "s1", Name: "old"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RenameServer(context.Background(), "s1", "first")
	}()

	<-firstEntered
	_, err := s.RenameServer(context.Background(), "s1", "second")
	assert.NoError(t, err)

	close(releaseFirst)
	<-done

	assert.Equal(t, "second", s.Servers()[0].Name,
		"expected the superseded mutation to neither confirm nor roll back")
	assert.NoError(t, s.Err(), "expected no error recorded for a superseded mutation")
}

func TestStore_LoadChannels(t *testing.T) {
	api := &fakeAPI{
		ListChannelsFunc: func(ctx context.Context, serverId string) ([]types.Channel, error) {
			assert.Equal(t, "s1", serverId)
			return []types.Channel{
				{Id: "c1", ServerId: "s1", Name: "general"},
				{Id: "c2", ServerId: "s1", Name: "random"},
			}, nil
		},
	}
	s, _ := newTestStore(t, api)
	seedServers(s, types.Server{Id: "s1"})

	channels, err := s.LoadChannels(context.Background())
	assert.NoError(t, err)
	assert.Len(t, channels, 2)

	selected := s.SelectedChannel()
	assert.NotNil(t, selected)
	assert.Equal(t, "c1", selected.Id, "expected the first channel selected")
}

func TestStore_CreateChannel(t *testing.T) {
	t.Run("no server selected", func(t *testing.T) {
		s, _ := newTestStore(t, &fakeAPI{})

		_, err := s.CreateChannel(context.Background(), "general")
		assert.Error(t, err)
	})

	t.Run("rollback on failure", func(t *testing.T) {
		api := &fakeAPI{
			CreateChannelFunc: func(ctx context.Context, serverId, name string) (*types.Channel, error) {
				return nil, errors.New("boom")
			},
		}
		s, _ := newTestStore(t, api)
		seedServers(s, types.Server{Id: "s1"})
		seedChannels(s, types.Channel{Id: "c1", ServerId: "s1"})

		before := s.Channels()
		_, err := s.CreateChannel(context.Background(), "general")
		assert.Error(t, err)
		assert.Equal(t, before, s.Channels())
		selected := s.SelectedChannel()
		assert.NotNil(t, selected)
		assert.Equal(t, "c1", selected.Id, "expected the selection restored")
		assert.Error(t, s.Err())
	})
}

func TestStore_DeleteChannel(t *testing.T) {
	api := &fakeAPI{
		DeleteChannelFunc: func(ctx context.Context, id string) error { return nil },
	}
	s, _ := newTestStore(t, api)
	seedServers(s, types.Server{Id: "s1"})
	seedChannels(s,
		types.Channel{Id: "c1", ServerId: "s1"},
		types.Channel{Id: "c2", ServerId: "s1"},
	)
	seedMessages(s, "c1", types.Message{Id: "m1", ChannelId: "c1"})

	err := s.DeleteChannel(context.Background(), "c1")
	assert.NoError(t, err)
	assert.Len(t, s.Channels(), 1)
	selected := s.SelectedChannel()
	assert.NotNil(t, selected)
	assert.Equal(t, "c2", selected.Id, "expected the first remaining channel selected")
	assert.Empty(t, s.Messages("c1"), "expected history of the deleted channel dropped")
}

func TestStore_SendMessage(t *testing.T) {
	t.Run("delegates to the gateway", func(t *testing.T) {
		s, sender := newTestStore(t, &fakeAPI{})
		seedChannels(s, types.Channel{Id: "c1"})

		assert.True(t, s.SendMessage("  hello  "))

		sender.mu.Lock()
		defer sender.mu.Unlock()
		assert.Equal(t, []string{"c1"}, sender.channels)
		assert.Equal(t, []string{"hello"}, sender.contents, "expected surrounding whitespace trimmed")
	})

	t.Run("no local insert", func(t *testing.T) {
		s, _ := newTestStore(t, &fakeAPI{})
		seedChannels(s, types.Channel{Id: "c1"})

		s.SendMessage("hello")
		assert.Empty(t, s.Messages("c1"), "expected history to change only on MESSAGE_CREATE")
	})

	t.Run("rejects empty and unselected", func(t *testing.T) {
		s, sender := newTestStore(t, &fakeAPI{})

		assert.False(t, s.SendMessage("hello"), "expected false without a selected channel")

		seedChannels(s, types.Channel{Id: "c1"})
		assert.False(t, s.SendMessage("   "), "expected false for whitespace-only content")

		sender.mu.Lock()
		defer sender.mu.Unlock()
		assert.Empty(t, sender.channels, "expected no frame sent")
	})

	t.Run("reports dropped frames", func(t *testing.T) {
		s, sender := newTestStore(t, &fakeAPI{})
		sender.ok = false
		seedChannels(s, types.Channel{Id: "c1"})

		assert.False(t, s.SendMessage("hello"))
	})
}

func TestStore_EditMessage_rollback(t *testing.T) {
	api := &fakeAPI{
		UpdateMessageFunc: func(ctx context.Context, id, content string) (*types.Message, error) {
			return nil, errors.New("boom")
		},
	}
	s, _ := newTestStore(t, api)
	seedMessages(s, "c1", types.Message{Id: "m1", ChannelId: "c1", Content: "old"})

	_, err := s.EditMessage(context.Background(), "c1", "m1", "new")
	assert.Error(t, err)
	assert.Equal(t, "old", s.Messages("c1")[0].Content, "expected the edit rolled back")
}

func TestStore_DeleteMessage(t *testing.T) {
	api := &fakeAPI{
		DeleteMessageFunc: func(ctx context.Context, id string) error { return nil },
	}
	s, _ := newTestStore(t, api)
	seedMessages(s, "c1",
		types.Message{Id: "m1", ChannelId: "c1"},
		types.Message{Id: "m2", ChannelId: "c1"},
	)

	err := s.DeleteMessage(context.Background(), "c1", "m1")
	assert.NoError(t, err)

	msgs := s.Messages("c1")
	assert.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].Id)
}

func TestStore_ApplyEvent(t *testing.T) {
	s, _ := newTestStore(t, &fakeAPI{})

	msg := types.Message{Id: "m1", ChannelId: "c1", AuthorId: "u1", Username: "alice", Content: "hi"}

	t.Run("duplicate create merges", func(t *testing.T) {
		event := &gateway.ServerEvent{Op: gateway.OpMessageCreate, MessageCreate: &msg}
		s.ApplyEvent(event)
		s.ApplyEvent(event)

		msgs := s.Messages("c1")
		assert.Len(t, msgs, 1, "expected one entry after a duplicate create")
		assert.Equal(t, "m1", msgs[0].Id)
	})

	t.Run("update in place", func(t *testing.T) {
		s.ApplyEvent(&gateway.ServerEvent{
			Op: gateway.OpMessageUpdate,
			MessageUpdate: &gateway.MessageUpdateData{
				Id: "m1", ChannelId: "c1", Content: "edited", EditedAt: "2024-01-02T03:04:05Z",
			},
		})

		msgs := s.Messages("c1")
		assert.Equal(t, "edited", msgs[0].Content)
		if assert.NotNil(t, msgs[0].EditedAt) {
			assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), msgs[0].EditedAt.UTC())
		}
	})

	t.Run("update for unknown id dropped", func(t *testing.T) {
		s.ApplyEvent(&gateway.ServerEvent{
			Op:            gateway.OpMessageUpdate,
			MessageUpdate: &gateway.MessageUpdateData{Id: "m9", ChannelId: "c1", Content: "ghost"},
		})

		msgs := s.Messages("c1")
		assert.Len(t, msgs, 1, "expected no entry created for an unknown id")
	})

	t.Run("delete removes if present", func(t *testing.T) {
		event := &gateway.ServerEvent{
			Op:            gateway.OpMessageDelete,
			MessageDelete: &gateway.MessageDeleteData{Id: "m1", ChannelId: "c1"},
		}
		s.ApplyEvent(event)
		assert.Empty(t, s.Messages("c1"))

		// deleting again is a no-op
		s.ApplyEvent(event)
		assert.Empty(t, s.Messages("c1"))
	})
}

func TestStore_LoadMembers(t *testing.T) {
	api := &fakeAPI{
		ListMembersFunc: func(ctx context.Context, serverId string) ([]types.Member, error) {
			assert.Equal(t, "s1", serverId)
			return []types.Member{{ServerId: "s1", UserId: "u1", Role: "owner"}}, nil
		},
	}
	s, _ := newTestStore(t, api)
	seedServers(s, types.Server{Id: "s1"})

	members, err := s.LoadMembers(context.Background())
	assert.NoError(t, err)
	assert.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].UserId)
}
