package mutebot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGuildClient struct {
	mock.Mock
}

func (m *mockGuildClient) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	args := m.Called(ctx, guildID, userID, roleID)
	return args.Error(0)
}

func (m *mockGuildClient) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	args := m.Called(ctx, guildID, userID, roleID)
	return args.Error(0)
}

func (m *mockGuildClient) MemberRoles(ctx context.Context, guildID, userID string) ([]string, error) {
	args := m.Called(ctx, guildID, userID)
	roles, _ := args.Get(0).([]string)
	return roles, args.Error(1)
}

func (m *mockGuildClient) GuildRoles(ctx context.Context, guildID string) ([]string, error) {
	args := m.Called(ctx, guildID)
	roles, _ := args.Get(0).([]string)
	return roles, args.Error(1)
}

func TestRoleSnapshotter_Capture(t *testing.T) {
	t.Parallel()
	client := &mockGuildClient{}
	client.On("MemberRoles", mock.Anything, "g1", "u1").
		Return([]string{"3", "sentinel", "1", "3", "", "2"}, nil)

	r := NewRoleSnapshotter(client, testLogger(t))
	captured, err := r.Capture(context.Background(), "g1", "u1", "sentinel")
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "1", "2"}, captured)
	client.AssertExpectations(t)
}

func TestRoleSnapshotter_CaptureMemberGone(t *testing.T) {
	t.Parallel()
	client := &mockGuildClient{}
	client.On("MemberRoles", mock.Anything, "g1", "u1").Return(nil, ErrMemberNotFound)

	r := NewRoleSnapshotter(client, testLogger(t))
	_, err := r.Capture(context.Background(), "g1", "u1")
	require.ErrorIs(t, err, ErrMemberNotFound)
}

func TestRoleSnapshotter_StripContinuesOnFailure(t *testing.T) {
	t.Parallel()
	client := &mockGuildClient{}
	removeErr := errors.New("missing permissions")
	client.On("RemoveRole", mock.Anything, "g1", "u1", "1").Return(nil)
	client.On("RemoveRole", mock.Anything, "g1", "u1", "2").Return(removeErr)
	client.On("RemoveRole", mock.Anything, "g1", "u1", "3").Return(nil)

	r := NewRoleSnapshotter(client, testLogger(t))
	result := r.Strip(context.Background(), "g1", "u1", []string{"1", "2", "3"})

	assert.Equal(t, roleOpRemove, result.Op)
	assert.Equal(t, []string{"1", "3"}, result.Succeeded())
	failed := result.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "2", failed[0].RoleID)
	assert.False(t, result.Complete())
	assert.ErrorIs(t, result.Err(), removeErr)
	client.AssertNumberOfCalls(t, "RemoveRole", 3)
}

func TestRoleSnapshotter_RestoreSkipsDeletedRoles(t *testing.T) {
	t.Parallel()
	client := &mockGuildClient{}
	client.On("GuildRoles", mock.Anything, "g1").Return([]string{"1", "3", "sentinel"}, nil)
	client.On("AddRole", mock.Anything, "g1", "u1", "1").Return(nil)
	client.On("AddRole", mock.Anything, "g1", "u1", "3").Return(nil)

	r := NewRoleSnapshotter(client, testLogger(t))
	result := r.Restore(context.Background(), "g1", "u1", []string{"1", "2", "3"})

	assert.Equal(t, []string{"1", "3"}, result.Succeeded())
	failed := result.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "2", failed[0].RoleID)
	assert.True(t, failed[0].Skipped)
	assert.ErrorIs(t, failed[0].Err, ErrRoleNotFound)
	client.AssertNotCalled(t, "AddRole", mock.Anything, "g1", "u1", "2")
	client.AssertExpectations(t)
}

func TestRoleSnapshotter_RestoreWithoutRoleList(t *testing.T) {
	t.Parallel()
	client := &mockGuildClient{}
	client.On("GuildRoles", mock.Anything, "g1").Return(nil, errors.New("service unavailable"))
	client.On("AddRole", mock.Anything, "g1", "u1", "1").Return(nil)
	client.On("AddRole", mock.Anything, "g1", "u1", "2").Return(ErrRoleNotFound)

	r := NewRoleSnapshotter(client, testLogger(t))
	result := r.Restore(context.Background(), "g1", "u1", []string{"1", "2"})

	assert.Equal(t, []string{"1"}, result.Succeeded())
	failed := result.Failed()
	require.Len(t, failed, 1)
	assert.False(t, failed[0].Skipped)
	assert.ErrorIs(t, failed[0].Err, ErrRoleNotFound)
	client.AssertNumberOfCalls(t, "AddRole", 2)
}

func TestRoleSnapshotter_RestoreNothing(t *testing.T) {
	t.Parallel()
	client := &mockGuildClient{}

	r := NewRoleSnapshotter(client, testLogger(t))
	result := r.Restore(context.Background(), "g1", "u1", nil)
	assert.True(t, result.Complete())
	assert.NoError(t, result.Err())
	client.AssertNotCalled(t, "GuildRoles", mock.Anything, mock.Anything)
}

func TestRoleMutationError(t *testing.T) {
	t.Parallel()
	cause := errors.New("missing access")
	err := error(
		&RoleMutationError{
			Op:      roleOpAdd,
			GuildID: "g1",
			UserID:  "u1",
			RoleID:  "sentinel",
			Err:     cause,
		},
	)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "add role sentinel for g1/u1: missing access", err.Error())

	var mutationErr *RoleMutationError
	require.ErrorAs(t, errors.Join(err, errors.New("rollback failed")), &mutationErr)
	assert.Equal(t, "sentinel", mutationErr.RoleID)
}
