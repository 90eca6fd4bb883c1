package browser

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDriver answers Evaluate with canned JSON keyed by a script fragment.
type scriptedDriver struct {
	mu      sync.Mutex
	answers map[string]string
	clicks  [][2]float64
	closes  int
	evalErr error
}

func (d *scriptedDriver) ID() string                                     { return "tab-1" }
func (d *scriptedDriver) Navigate(context.Context, string) error         { return nil }
func (d *scriptedDriver) URL(context.Context) (string, error)            { return "https://shop.test/", nil }
func (d *scriptedDriver) Screenshot(context.Context, int) ([]byte, error) { return []byte{0xff}, nil }
func (d *scriptedDriver) ClearCache(context.Context) error               { return nil }
func (d *scriptedDriver) Reload(context.Context) error                   { return nil }

func (d *scriptedDriver) Evaluate(_ context.Context, expr string, out any) error {
	if d.evalErr != nil {
		return d.evalErr
	}
	for frag, answer := range d.answers {
		if strings.Contains(expr, frag) {
			if out == nil {
				return nil
			}
			return json.Unmarshal([]byte(answer), out)
		}
	}
	return errors.New("unexpected script")
}

func (d *scriptedDriver) ClickAt(_ context.Context, x, y float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clicks = append(d.clicks, [2]float64{x, y})
	return nil
}

func (d *scriptedDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func TestPage_ActClicksReachableTarget(t *testing.T) {
	t.Parallel()
	drv := &scriptedDriver{answers: map[string]string{
		"elementFromPoint": `{"found":true,"occluded":false,"x":100,"y":40,"target":{"selector":"#checkout","tag":"button"}}`,
	}}
	p := NewPage(drv, nil)

	res, err := p.Act(context.Background(), "Click the Checkout button", ActOptions{})
	require.NoError(t, err)
	assert.True(t, res.Clicked)
	assert.True(t, res.Reachable())
	assert.Equal(t, [][2]float64{{100, 40}}, drv.clicks)
}

func TestPage_ActReportsOcclusionWithoutClicking(t *testing.T) {
	t.Parallel()
	drv := &scriptedDriver{answers: map[string]string{
		"elementFromPoint": `{"found":true,"occluded":true,"x":100,"y":40,
			"target":{"selector":"#checkout","tag":"button"},
			"interceptor":{"selector":"div.overlay","tag":"div","z_index":"9999","pointer_events":"auto"}}`,
	}}
	p := NewPage(drv, nil)

	res, err := p.Act(context.Background(), "click checkout", ActOptions{})
	require.NoError(t, err)
	assert.False(t, res.Clicked)
	assert.False(t, res.Reachable())
	require.NotNil(t, res.Interceptor)
	assert.Equal(t, "div.overlay", res.Interceptor.Selector)
	assert.Empty(t, drv.clicks)
}

func TestPage_TrialDoesNotClick(t *testing.T) {
	t.Parallel()
	drv := &scriptedDriver{answers: map[string]string{
		"elementFromPoint": `{"found":true,"occluded":false,"x":1,"y":2}`,
	}}
	p := NewPage(drv, nil)

	res, err := p.Click(context.Background(), "#buy", ActOptions{Trial: true})
	require.NoError(t, err)
	assert.True(t, res.Reachable())
	assert.False(t, res.Clicked)
	assert.Empty(t, drv.clicks)
}

func TestPage_TargetNotFound(t *testing.T) {
	t.Parallel()
	drv := &scriptedDriver{answers: map[string]string{"elementFromPoint": `{"found":false}`}}
	p := NewPage(drv, nil)

	_, err := p.Act(context.Background(), "click the ghost button", ActOptions{})
	assert.ErrorIs(t, err, ErrTargetNotFound)

	_, err = p.Act(context.Background(), "   ", ActOptions{})
	assert.ErrorIs(t, err, ErrEmptyInstruction)
}

func TestPage_CloseIsIdempotentAndBlocksFurtherUse(t *testing.T) {
	t.Parallel()
	drv := &scriptedDriver{}
	p := NewPage(drv, nil)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, drv.closes)

	err := p.Navigate(context.Background(), "https://shop.test")
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = p.HTML(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestPage_RemoveElementsAndReachability(t *testing.T) {
	t.Parallel()
	drv := &scriptedDriver{answers: map[string]string{
		"el.remove()": `2`,
		"reachable++": `{"inspected":5,"reachable":0}`,
	}}
	p := NewPage(drv, nil)

	n, err := p.RemoveElements(context.Background(), ".overlay")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, err := p.Reachability(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, r.Inspected)
	assert.Equal(t, 0, r.Reachable)
}

func TestNewProvider_UnknownBackend(t *testing.T) {
	t.Parallel()
	_, err := NewProvider(Config{Backend: "netscape"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestCall_EncodesArguments(t *testing.T) {
	t.Parallel()
	got := call("f", "a'b", 3)
	assert.Equal(t, `f("a'b",3)`, got)
}
