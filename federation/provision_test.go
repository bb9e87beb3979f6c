package federation

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/errors"
	"github.com/c360/ctxfed/ngsild"
)

func TestCreateEntity_ExclusiveClaimsAttribute(t *testing.T) {
	p := newPeer(t).acceptWrites(http.StatusCreated)
	d, _ := newTestDispatcher(t, registration("urn:csr:ex", p.URL, csr.ModeExclusive, "Beehive", withAttrs("a")))

	result, remaining, err := d.CreateEntity(context.Background(), entity("urn:hive:1", "Beehive", "a", "b", "c"), WriteRequest{})
	require.NoError(t, err)

	require.NotNil(t, remaining)
	assert.Equal(t, []string{"b", "c"}, remaining.AttributeNames())
	assert.Equal(t, "urn:hive:1", remaining.ID())
	assert.Equal(t, "Beehive", remaining["type"])

	assert.Equal(t, []BatchSuccess{{EntityID: "urn:hive:1", RegistrationID: "urn:csr:ex"}}, result.Successes)
	assert.Empty(t, result.Errors)

	reqs := p.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, EntitiesPath, reqs[0].Path)
	assert.Equal(t, []string{"a"}, reqs[0].Body.AttributeNames())
	assert.Equal(t, "urn:hive:1", reqs[0].Body.ID())
}

func TestCreateEntity_FullDelegation(t *testing.T) {
	ex := newPeer(t).acceptWrites(http.StatusCreated)
	redirect := newPeer(t).acceptWrites(http.StatusCreated)
	d, _ := newTestDispatcher(t,
		registration("urn:csr:ex", ex.URL, csr.ModeExclusive, "Beehive", withAttrs("a")),
		registration("urn:csr:re", redirect.URL, csr.ModeRedirect, "Beehive", withAttrs("b", "c")),
	)

	result, remaining, err := d.CreateEntity(context.Background(), entity("urn:hive:1", "Beehive", "a", "b", "c"), WriteRequest{})
	require.NoError(t, err)

	assert.Nil(t, remaining, "nothing is left to create locally")
	assert.Len(t, result.Successes, 2)
	require.Len(t, redirect.received(), 1)
	assert.Equal(t, []string{"b", "c"}, redirect.received()[0].Body.AttributeNames())
}

func TestCreateEntity_BeehiveScenario(t *testing.T) {
	t.Run("exclusive claims, inclusive never called", func(t *testing.T) {
		csr1 := newPeer(t).acceptWrites(http.StatusCreated)
		csr2 := newPeer(t).acceptWrites(http.StatusCreated)
		d, _ := newTestDispatcher(t,
			registration("urn:csr:1", csr1.URL, csr.ModeExclusive, "Beehive", withOps(csr.OpCreateEntity)),
			registration("urn:csr:2", csr2.URL, csr.ModeInclusive, "Beehive"),
		)

		result, remaining, err := d.CreateEntity(context.Background(), entity("urn:hive:1", "Beehive", "temperature"), WriteRequest{})
		require.NoError(t, err)

		assert.Nil(t, remaining)
		assert.Equal(t, []BatchSuccess{{EntityID: "urn:hive:1", RegistrationID: "urn:csr:1"}}, result.Successes)
		require.Len(t, csr1.received(), 1)
		assert.Equal(t, []string{"temperature"}, csr1.received()[0].Body.AttributeNames())
		assert.Empty(t, csr2.received())
	})

	t.Run("unclaimed attribute reaches inclusive source", func(t *testing.T) {
		csr1 := newPeer(t).acceptWrites(http.StatusCreated)
		csr2 := newPeer(t).acceptWrites(http.StatusCreated)
		d, _ := newTestDispatcher(t,
			registration("urn:csr:1", csr1.URL, csr.ModeExclusive, "Beehive", withOps(csr.OpCreateEntity), withAttrs("humidity")),
			registration("urn:csr:2", csr2.URL, csr.ModeInclusive, "Beehive"),
		)

		result, remaining, err := d.CreateEntity(context.Background(), entity("urn:hive:1", "Beehive", "temperature"), WriteRequest{})
		require.NoError(t, err)

		assert.Empty(t, csr1.received())
		require.Len(t, csr2.received(), 1)
		assert.Equal(t, []string{"temperature"}, csr2.received()[0].Body.AttributeNames())
		require.NotNil(t, remaining, "inclusive sharing does not gate local creation")
		assert.Equal(t, []string{"temperature"}, remaining.AttributeNames())
		assert.Equal(t, []BatchSuccess{{EntityID: "urn:hive:1", RegistrationID: "urn:csr:2"}}, result.Successes)
	})
}

func TestCreateEntity_InclusiveSourcesShareRemaining(t *testing.T) {
	i1 := newPeer(t).acceptWrites(http.StatusCreated)
	i2 := newPeer(t).acceptWrites(http.StatusCreated)
	d, _ := newTestDispatcher(t,
		registration("urn:csr:i1", i1.URL, csr.ModeInclusive, "Beehive", withAttrs("a")),
		registration("urn:csr:i2", i2.URL, csr.ModeInclusive, "Beehive", withAttrs("a", "b")),
	)

	_, remaining, err := d.CreateEntity(context.Background(), entity("urn:hive:1", "Beehive", "a", "b"), WriteRequest{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, remaining.AttributeNames())
	assert.Equal(t, []string{"a"}, i1.received()[0].Body.AttributeNames())
	assert.Equal(t, []string{"a", "b"}, i2.received()[0].Body.AttributeNames())
}

func TestCreateEntity_Conflicts(t *testing.T) {
	ex := newPeer(t)
	inc := newPeer(t)
	d, _ := newTestDispatcher(t,
		registration("urn:csr:ex", ex.URL, csr.ModeExclusive, "Beehive", withOps(csr.OpRetrieveOps), withAttrs("a")),
		registration("urn:csr:inc", inc.URL, csr.ModeInclusive, "Beehive", withOps(csr.OpRetrieveOps)),
	)

	result, remaining, err := d.CreateEntity(context.Background(), entity("urn:hive:1", "Beehive", "a", "b"), WriteRequest{})
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	e := result.Errors[0]
	assert.Equal(t, "urn:csr:ex", e.RegistrationID)
	assert.Equal(t, FailureConflict, e.Failure.Kind)
	assert.Equal(t, []string{"a"}, e.Failure.Attributes)
	assert.Contains(t, e.Reason(), "does not support the creation")
	assert.True(t, result.Failed())

	// conflicted attributes stay claimed
	assert.Equal(t, []string{"b"}, remaining.AttributeNames())
	assert.Empty(t, ex.received())
	assert.Empty(t, inc.received())
}

func TestReplaceEntity(t *testing.T) {
	p := newPeer(t).acceptWrites(http.StatusNoContent)
	conflicting := newPeer(t)
	d, _ := newTestDispatcher(t,
		registration("urn:csr:re", p.URL, csr.ModeRedirect, "Beehive", withAttrs("a")),
		registration("urn:csr:ro", conflicting.URL, csr.ModeExclusive, "Beehive", withOps(csr.OpCreateEntity), withAttrs("b")),
	)

	result, remaining, err := d.ReplaceEntity(context.Background(), entity("urn:hive:1", "Beehive", "a", "b", "c"), WriteRequest{})
	require.NoError(t, err)

	reqs := p.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, EntityPath("urn:hive:1"), reqs[0].Path)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Reason(), "does not support the replacement")
	assert.Equal(t, []string{"c"}, remaining.AttributeNames())
}

func TestCreateEntity_PeerFailureStillClaims(t *testing.T) {
	p := newPeer(t).acceptWrites(http.StatusInternalServerError)
	next := newPeer(t).acceptWrites(http.StatusCreated)
	d, status := newTestDispatcher(t,
		registration("urn:csr:a", p.URL, csr.ModeExclusive, "Beehive", withAttrs("a")),
		registration("urn:csr:b", next.URL, csr.ModeExclusive, "Beehive", withAttrs("b")),
	)

	result, remaining, err := d.CreateEntity(context.Background(), entity("urn:hive:1", "Beehive", "a", "b"), WriteRequest{})
	require.NoError(t, err)

	assert.Nil(t, remaining)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, FailureBadGateway, result.Errors[0].Failure.Kind)
	assert.Equal(t, []BatchSuccess{{EntityID: "urn:hive:1", RegistrationID: "urn:csr:b"}}, result.Successes)
	assert.Equal(t, []bool{false}, status.of("urn:csr:a"))
	assert.Equal(t, []bool{true}, status.of("urn:csr:b"))
}

func TestCreateEntity_AuxiliaryNeverReceivesWrites(t *testing.T) {
	aux := newPeer(t).acceptWrites(http.StatusCreated)
	d, _ := newTestDispatcher(t, registration("urn:csr:aux", aux.URL, csr.ModeAuxiliary, "Beehive"))

	result, remaining, err := d.CreateEntity(context.Background(), entity("urn:hive:1", "Beehive", "a"), WriteRequest{})
	require.NoError(t, err)

	assert.Empty(t, aux.received())
	assert.Empty(t, result.Successes)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"a"}, remaining.AttributeNames())
}

func TestCreateEntity_NoMatchKeepsEntity(t *testing.T) {
	d, _ := newTestDispatcher(t, registration("urn:csr:v", "http://unused.example.com", csr.ModeExclusive, "Vehicle"))

	e := entity("urn:hive:1", "Beehive", "a")
	result, remaining, err := d.CreateEntity(context.Background(), e, WriteRequest{})
	require.NoError(t, err)
	assert.Equal(t, e, remaining)
	assert.Empty(t, result.Successes)
}

func TestCreateEntity_EntityWithoutAttributes(t *testing.T) {
	p := newPeer(t).acceptWrites(http.StatusCreated)
	d, _ := newTestDispatcher(t, registration("urn:csr:ex", p.URL, csr.ModeExclusive, "Beehive"))

	_, remaining, err := d.CreateEntity(context.Background(), ngsild.Entity{"id": "urn:hive:1", "type": "Beehive"}, WriteRequest{})
	require.NoError(t, err)

	assert.Nil(t, remaining)
	require.Len(t, p.received(), 1)
	assert.Empty(t, p.received()[0].Body.AttributeNames())
}

func TestCreateEntity_RequiresID(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, _, err := d.CreateEntity(context.Background(), ngsild.Entity{"type": "Beehive"}, WriteRequest{})
	assert.True(t, errors.IsInvalid(err))
}

func TestClaimantClaim(t *testing.T) {
	unit := func(attrs ...string) csr.MatchUnit {
		return csr.MatchUnit{Info: csr.RegistrationInfo{PropertyNames: attrs}}
	}
	e := entity("urn:a", "T", "a", "b", "c")

	tests := []struct {
		name   string
		units  []csr.MatchUnit
		want   []string
		wantOK bool
	}{
		{"no allow-list claims all", []csr.MatchUnit{unit()}, []string{"a", "b", "c"}, true},
		{"allow-list intersection", []csr.MatchUnit{unit("b", "z")}, []string{"b"}, true},
		{"union across units", []csr.MatchUnit{unit("c"), unit("a")}, []string{"a", "c"}, true},
		{"disjoint", []csr.MatchUnit{unit("z")}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := claimant{units: tt.units}.claim(e)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeleteEntity(t *testing.T) {
	supports := newPeer(t).acceptWrites(http.StatusNoContent)
	failing := newPeer(t).acceptWrites(http.StatusBadRequest)
	aux := newPeer(t).acceptWrites(http.StatusNoContent)
	incReadOnly := newPeer(t)
	exReadOnly := newPeer(t)

	d, _ := newTestDispatcher(t,
		registration("urn:csr:1", supports.URL, csr.ModeExclusive, "Beehive"),
		registration("urn:csr:2", failing.URL, csr.ModeInclusive, "Beehive"),
		registration("urn:csr:3", aux.URL, csr.ModeAuxiliary, "Beehive"),
		registration("urn:csr:4", incReadOnly.URL, csr.ModeInclusive, "Beehive", withOps(csr.OpRetrieveOps)),
		registration("urn:csr:5", exReadOnly.URL, csr.ModeRedirect, "Beehive", withOps(csr.OpRetrieveOps)),
		registration("urn:csr:6", aux.URL, csr.ModeAuxiliary, "Beehive", withOps(csr.OpRetrieveOps)),
	)

	result, err := d.DeleteEntity(context.Background(), "urn:hive:1", []string{"Beehive"}, WriteRequest{})
	require.NoError(t, err)

	assert.Equal(t, []BatchSuccess{{EntityID: "urn:hive:1", RegistrationID: "urn:csr:1"}}, result.Successes)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "urn:csr:2", result.Errors[0].RegistrationID)
	assert.Equal(t, FailureBadGateway, result.Errors[0].Failure.Kind)
	assert.Equal(t, "urn:csr:5", result.Errors[1].RegistrationID)
	assert.Equal(t, FailureConflict, result.Errors[1].Failure.Kind)
	assert.Contains(t, result.Errors[1].Reason(), "does not support deletion")
	for _, e := range result.Errors {
		assert.NotContains(t, []string{"urn:csr:3", "urn:csr:6"}, e.RegistrationID, "auxiliary sources are never conflicts")
	}

	require.Len(t, supports.received(), 1)
	assert.Equal(t, http.MethodDelete, supports.received()[0].Method)
	assert.Equal(t, EntityPath("urn:hive:1"), supports.received()[0].Path)
	assert.Empty(t, aux.received())
	assert.Empty(t, incReadOnly.received())
	assert.Empty(t, exReadOnly.received())
}
