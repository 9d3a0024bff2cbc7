package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/model"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/protocol"
)

// BatchItem is one logical request inside a batch. Items are heterogeneous:
// each targets its own agent and method.
type BatchItem struct {
	Agent  model.AgentName `json:"agent"`
	Method string          `json:"method"`
	Params map[string]any  `json:"params,omitempty"`
}

type BatchRequest struct {
	Items    []BatchItem `json:"items"`
	Parallel bool        `json:"parallel"`
	// AllowFailures keeps sibling requests running when one fails. When
	// false the first failure aborts the batch.
	AllowFailures bool `json:"allowFailures"`
	// Timeout bounds the whole batch. Items still pending when it fires
	// are recorded as timeout failures.
	Timeout time.Duration `json:"-"`
}

type BatchItemError struct {
	Index int             `json:"index"`
	Agent model.AgentName `json:"agent"`
	Err   *Error          `json:"error"`
}

// BatchResponse aggregates per-item outcomes. Results are index-aligned
// with the request items regardless of completion order; failed slots
// stay nil and appear in Errors instead.
type BatchResponse struct {
	Results      []json.RawMessage `json:"results"`
	Errors       []BatchItemError  `json:"errors,omitempty"`
	SuccessCount int               `json:"successCount"`
	ErrorCount   int               `json:"errorCount"`
	Duration     time.Duration     `json:"duration"`
}

type itemResult struct {
	index int
	data  json.RawMessage
	err   *Error
}

// BatchRequest dispatches the items and aggregates their results. In
// parallel mode all items start immediately and settle in any order; in
// sequential mode they run one by one in input order. With AllowFailures
// each failure is captured without touching its siblings, so
// SuccessCount+ErrorCount always equals len(Items). Without it, the
// first failure cancels the rest and is returned as the batch error.
func (c *Client) BatchRequest(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	start := time.Now()
	n := len(req.Items)
	out := &BatchResponse{Results: make([]json.RawMessage, n)}
	if n == 0 {
		out.Duration = time.Since(start)
		return out, nil
	}

	batchCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		batchCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	ch := make(chan itemResult, n)
	run := func(i int, item BatchItem) {
		data, err := c.invoke(batchCtx, item.Agent, item.Method, item.Params)
		ch <- itemResult{index: i, data: data, err: err}
	}

	if req.Parallel {
		for i, item := range req.Items {
			go run(i, item)
		}
	} else {
		go func() {
			for i, item := range req.Items {
				if batchCtx.Err() != nil {
					ch <- itemResult{index: i, err: c.timeoutErr(req.Items[i].Agent)}
					continue
				}
				run(i, item)
			}
		}()
	}

	var firstErr *Error
	received := make([]bool, n)
	pending := n

collect:
	for pending > 0 {
		select {
		case r := <-ch:
			received[r.index] = true
			pending--
			if r.err == nil {
				out.Results[r.index] = r.data
				out.SuccessCount++
				continue
			}
			out.Errors = append(out.Errors, BatchItemError{Index: r.index, Agent: req.Items[r.index].Agent, Err: r.err})
			out.ErrorCount++
			if !req.AllowFailures {
				firstErr = r.err
				cancel()
				break collect
			}
		case <-batchCtx.Done():
			break collect
		}
	}

	// items still pending when the batch stopped waiting count as timeouts
	for i := range req.Items {
		if !received[i] && out.Results[i] == nil && !inErrors(out.Errors, i) {
			out.Errors = append(out.Errors, BatchItemError{
				Index: i,
				Agent: req.Items[i].Agent,
				Err:   c.timeoutErr(req.Items[i].Agent),
			})
			out.ErrorCount++
		}
	}

	out.Duration = time.Since(start)
	if firstErr != nil {
		return out, firstErr
	}
	return out, nil
}

func inErrors(errs []BatchItemError, index int) bool {
	for _, e := range errs {
		if e.Index == index {
			return true
		}
	}
	return false
}

func (c *Client) timeoutErr(agent model.AgentName) *Error {
	st, _ := c.state(agent)
	return &Error{
		Agent:    agent,
		Endpoint: st.cfg.Endpoint,
		Cause:    protocol.TimeoutError("batch deadline elapsed"),
	}
}
