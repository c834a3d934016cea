package infopayload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tenantConStr = "10.0.0.5:27015"

func TestGuildCachesAreIndependent(t *testing.T) {
	p := newRecordingPusher()
	r := NewRegistry(p, zap.NewNop())

	r.Guild("guild-a").UpdateMember(Member{ID: "a-1", Name: "Alice"})
	r.Subscribe("guild-a", tenantConStr)
	r.Guild("guild-b").UpdateMember(Member{ID: "b-1", Name: "Bob"})

	pushes := p.pushes[tenantConStr]
	require.NotEmpty(t, pushes)
	last := pushes[len(pushes)-1]
	assert.Contains(t, last, "a-1")
	assert.NotContains(t, last, "b-1")
}

func TestGuildReturnsSameCache(t *testing.T) {
	r := NewRegistry(newRecordingPusher(), zap.NewNop())
	a := r.Guild("guild-a")
	a.UpdateRole(Role{ID: "10", Name: "Admin"})
	assert.Same(t, a, r.Guild("guild-a"))
	assert.NotSame(t, a, r.Guild("guild-b"))
}

func TestMutationRePushesOnlyOwnGuildTenants(t *testing.T) {
	p := newRecordingPusher()
	r := NewRegistry(p, zap.NewNop())
	r.Subscribe("guild-a", "192.168.1.10:27015")
	r.Subscribe("guild-b", "192.168.1.11:27015")
	before := len(p.pushes["192.168.1.11:27015"])

	r.Guild("guild-a").UpdateMember(Member{ID: "a-1", Name: "Alice"})

	assert.Len(t, p.pushes["192.168.1.11:27015"], before)
	last := p.pushes["192.168.1.10:27015"][len(p.pushes["192.168.1.10:27015"])-1]
	assert.Contains(t, last, "a-1")
}

func TestSubscribeMovesTenantBetweenGuilds(t *testing.T) {
	p := newRecordingPusher()
	r := NewRegistry(p, zap.NewNop())
	r.Subscribe("guild-a", tenantConStr)
	r.Subscribe("guild-b", tenantConStr)

	r.Guild("guild-a").UpdateMember(Member{ID: "a-1", Name: "Alice"})
	last := p.pushes[tenantConStr][len(p.pushes[tenantConStr])-1]
	assert.NotContains(t, last, "a-1")

	r.Guild("guild-b").UpdateMember(Member{ID: "b-1", Name: "Bob"})
	last = p.pushes[tenantConStr][len(p.pushes[tenantConStr])-1]
	assert.Contains(t, last, "b-1")
}

func TestUnsubscribeUnknownConStr(t *testing.T) {
	r := NewRegistry(newRecordingPusher(), zap.NewNop())
	r.Unsubscribe("192.168.1.10:27015")

	p := newRecordingPusher()
	r = NewRegistry(p, zap.NewNop())
	r.Subscribe("guild-a", tenantConStr)
	r.Unsubscribe(tenantConStr)
	before := len(p.pushes[tenantConStr])

	r.Guild("guild-a").UpdateMember(Member{ID: "a-1", Name: "Alice"})
	assert.Len(t, p.pushes[tenantConStr], before)
}
