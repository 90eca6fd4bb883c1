package perception_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/lucid/internal/logging"
	"github.com/raysh454/lucid/internal/model"
	"github.com/raysh454/lucid/internal/perception"
	"github.com/raysh454/lucid/internal/testutil"
)

func fastConfig() perception.Config {
	return perception.Config{
		PageTimeout:   time.Second,
		ActionTimeout: time.Second,
		VerifyTimeout: 100 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	}
}

func profile() *model.SiteProfile {
	return &model.SiteProfile{
		Slug: "shop",
		URL:  "https://shop.test/",
		CriticalFlows: []model.CriticalFlow{
			{Name: "checkout", Action: "click Checkout", Verify: model.Verification{Kind: model.VerifyURLContains, Value: "/checkout"}},
			{Name: "cart", Selector: "#cart", Verify: model.Verification{Kind: model.VerifyElementVisible, Value: "#checkout"}},
		},
	}
}

func TestRunner_AllFlowsPass(t *testing.T) {
	t.Parallel()
	sess := testutil.NewFakeSession("p1")
	sess.AfterClickURL = "https://shop.test/checkout"
	sess.Layouts = []model.AnnotatedElement{{ElementLocator: model.ElementLocator{Selector: "#banner", Position: "fixed"}}}
	provider := &testutil.FakeProvider{Factory: func(int) (*testutil.FakeSession, error) { return sess, nil }}

	res, err := perception.NewRunner(provider, fastConfig(), nil, logging.NewNop()).Run(context.Background(), profile())
	require.NoError(t, err)
	assert.True(t, res.AllPassed)
	require.Len(t, res.Flows, 2)
	assert.NotEmpty(t, res.DOMSnapshot)
	assert.Len(t, res.Annotated, 1)
	assert.Equal(t, []string{"https://shop.test/", "https://shop.test/"}, sess.Navigated)
	assert.Equal(t, []string{"click Checkout", "#cart"}, sess.Clicks)
	assert.True(t, provider.AllClosed())
}

func TestRunner_OcclusionReported(t *testing.T) {
	t.Parallel()
	sess := testutil.NewFakeSession("p1")
	sess.Blocked = true
	provider := &testutil.FakeProvider{Factory: func(int) (*testutil.FakeSession, error) { return sess, nil }}

	res, err := perception.NewRunner(provider, fastConfig(), nil, logging.NewNop()).Run(context.Background(), profile())
	require.NoError(t, err)
	assert.False(t, res.AllPassed)
	for _, f := range res.Flows {
		assert.False(t, f.Passed)
		assert.True(t, f.Occluded)
		require.NotNil(t, f.Interceptor)
		assert.Equal(t, "#promo-overlay", f.Interceptor.Selector)
	}
	assert.Empty(t, sess.Clicks)
}

func TestRunner_VerificationTimeout(t *testing.T) {
	t.Parallel()
	sess := testutil.NewFakeSession("p1")
	provider := &testutil.FakeProvider{Factory: func(int) (*testutil.FakeSession, error) { return sess, nil }}

	res, err := perception.NewRunner(provider, fastConfig(), nil, logging.NewNop()).Run(context.Background(), profile())
	require.NoError(t, err)
	require.Len(t, res.Flows, 2)
	assert.False(t, res.Flows[0].Passed)
	assert.Contains(t, res.Flows[0].Error, "not satisfied")
	assert.False(t, res.Flows[0].Occluded)
	assert.True(t, res.Flows[1].Passed)
}

func TestRunner_NavigationFailureFailsEveryFlow(t *testing.T) {
	t.Parallel()
	sess := testutil.NewFakeSession("p1")
	sess.NavigateErr = errors.New("net::ERR_CONNECTION_REFUSED")
	provider := &testutil.FakeProvider{Factory: func(int) (*testutil.FakeSession, error) { return sess, nil }}

	res, err := perception.NewRunner(provider, fastConfig(), nil, logging.NewNop()).Run(context.Background(), profile())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Error)
	assert.Len(t, res.Failed(), 2)
	assert.True(t, sess.Closed())
}

func TestRunner_SessionProvisionError(t *testing.T) {
	t.Parallel()
	provider := &testutil.FakeProvider{Factory: func(int) (*testutil.FakeSession, error) {
		return nil, errors.New("no browser")
	}}
	_, err := perception.NewRunner(provider, fastConfig(), nil, logging.NewNop()).Run(context.Background(), profile())
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := testutil.NewFakeSession("p1")
	sess.CurrentURL = "https://shop.test/orders/42"

	cases := []struct {
		v    model.Verification
		want bool
	}{
		{model.Verification{}, true},
		{model.Verification{Kind: model.VerifyURLContains, Value: "/orders"}, true},
		{model.Verification{Kind: model.VerifyURLContains, Value: "/cart"}, false},
		{model.Verification{Kind: model.VerifyElementVisible, Value: "#checkout"}, true},
		{model.Verification{Kind: model.VerifyElementAbsent, Value: "#checkout"}, false},
		{model.Verification{Kind: model.VerifyElementAbsent, Value: "#modal"}, true},
		{model.Verification{Kind: model.VerifyTextPresent, Value: "Welcome"}, true},
	}
	for _, tc := range cases {
		got, err := perception.Check(ctx, sess, tc.v)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s %q", tc.v.Kind, tc.v.Value)
	}

	_, err := perception.Check(ctx, sess, model.Verification{Kind: "smell"})
	assert.Error(t, err)
}
