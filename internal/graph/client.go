package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"poolsync/internal/model"
)

// DefaultPageSize is the largest page the hosted subgraph service returns.
const DefaultPageSize = 1000

// ErrUnsupportedKind is returned for streams the subgraph does not index.
var ErrUnsupportedKind = errors.New("kind not indexed by subgraph")

// Query selects the rows of one stream from fromBlock onwards.
type Query struct {
	Kind      model.Kind
	FromBlock uint64
	// Where adds equality filters, e.g. currency and amount for a pool
	// instance.
	Where map[string]string
}

// Result holds the rows of a query and the indexer's observed height.
type Result struct {
	Events []model.EventRecord
	Height uint64
}

// Client queries a subgraph over HTTP.
type Client struct {
	url      string
	http     *http.Client
	pageSize int
	logger   *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("subgraph url is required")
	}
	c := &Client{
		url:      url,
		http:     &http.Client{Timeout: 30 * time.Second},
		pageSize: DefaultPageSize,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Supports reports whether the subgraph indexes kind.
func (c *Client) Supports(kind model.Kind) bool {
	_, ok := entities[kind]
	return ok
}

// Query pages through all rows with blockNumber >= q.FromBlock. Height is
// the lowest _meta block number reported across pages.
func (c *Client) Query(ctx context.Context, q Query) (Result, error) {
	entity, ok := entities[q.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, q.Kind)
	}

	var (
		out    []model.EventRecord
		height uint64
		first  = true
		from   = q.FromBlock
		skip   = 0
	)
	for {
		pg, err := c.fetchPage(ctx, entity, q.Where, from, skip)
		if err != nil {
			return Result{}, err
		}
		if first || pg.height < height {
			height = pg.height
		}
		first = false

		for _, row := range pg.rows {
			record, err := entity.decode(row)
			if err != nil {
				return Result{}, fmt.Errorf("decode %s row %s: %w", entity.name, row.ID, err)
			}
			out = append(out, record)
		}
		c.logger.Debug("subgraph page",
			zap.String("entity", entity.name),
			zap.Uint64("from_block", from),
			zap.Int("skip", skip),
			zap.Int("rows", len(pg.rows)),
		)
		if len(pg.rows) < c.pageSize {
			break
		}

		// continue from the last block; rows of that block are refetched
		// and dropped by the merge, unless the page never left one block
		last := pg.lastBlock
		if last == from {
			skip += len(pg.rows)
		} else {
			from = last
			skip = 0
		}
	}

	return Result{Events: model.MergeEvents(out), Height: height}, nil
}

type resultPage struct {
	rows      []row
	height    uint64
	lastBlock uint64
}

type graphRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphResponse struct {
	Data struct {
		Rows []row `json:"rows"`
		Meta struct {
			Block struct {
				Number uint64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) fetchPage(ctx context.Context, entity entitySpec, where map[string]string, from uint64, skip int) (resultPage, error) {
	body, err := json.Marshal(graphRequest{
		Query: buildQuery(entity, where),
		Variables: map[string]interface{}{
			"first":     c.pageSize,
			"skip":      skip,
			"fromBlock": strconv.FormatUint(from, 10),
		},
	})
	if err != nil {
		return resultPage{}, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return resultPage{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return resultPage{}, fmt.Errorf("query subgraph: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resultPage{}, fmt.Errorf("subgraph status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded graphResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return resultPage{}, fmt.Errorf("decode subgraph response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		msgs := make([]string, 0, len(decoded.Errors))
		for _, e := range decoded.Errors {
			msgs = append(msgs, e.Message)
		}
		return resultPage{}, fmt.Errorf("subgraph errors: %s", strings.Join(msgs, "; "))
	}

	p := resultPage{rows: decoded.Data.Rows, height: decoded.Data.Meta.Block.Number}
	if n := len(p.rows); n > 0 {
		last, err := strconv.ParseUint(p.rows[n-1].BlockNumber, 10, 64)
		if err != nil {
			return resultPage{}, fmt.Errorf("parse block number %q: %w", p.rows[n-1].BlockNumber, err)
		}
		p.lastBlock = last
	}
	return p, nil
}

func buildQuery(entity entitySpec, where map[string]string) string {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var filters strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&filters, "%s: %s, ", k, strconv.Quote(where[k]))
	}

	return fmt.Sprintf(`query($first: Int!, $skip: Int!, $fromBlock: BigInt!) {
  rows: %s(first: $first, skip: $skip, orderBy: blockNumber, orderDirection: asc, where: {%sblockNumber_gte: $fromBlock}) {
    %s
  }
  _meta { block { number } }
}`, entity.name, filters.String(), strings.Join(entity.fields, "\n    "))
}
