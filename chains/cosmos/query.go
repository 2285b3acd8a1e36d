package cosmos

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Query is something a tracer can look up once or subscribe to.
type Query interface {
	// subscribeParams are the params of the "subscribe" call.
	subscribeParams() map[string]interface{}
	// queryMethod is the one-shot lookup for the same filter.
	queryMethod() (string, map[string]interface{})
	// matched reports whether a one-shot lookup result proves the event already happened.
	matched(result json.RawMessage) bool
}

type QueryTag struct {
	Key   string
	Value interface{}
}

// TxQuery filters txs by event attributes. Tags are joined with AND in order.
type TxQuery []QueryTag

// NewTxQuery builds a query from a tag map. Keys are sorted so that the encoding is stable.
func NewTxQuery(tags map[string]interface{}) TxQuery {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := make(TxQuery, 0, len(keys))
	for _, k := range keys {
		q = append(q, QueryTag{Key: k, Value: tags[k]})
	}

	return q
}

// EncodeTags returns the tendermint event query of the tags, e.g. a='x' AND b=5.
func (q TxQuery) EncodeTags() string {
	parts := make([]string, 0, len(q))
	for _, tag := range q {
		parts = append(parts, fmt.Sprintf("%s=%s", tag.Key, encodeValue(tag.Value)))
	}

	return strings.Join(parts, " AND ")
}

// SubscriptionQuery returns the query string used to subscribe to matching Tx events.
func (q TxQuery) SubscriptionQuery() string {
	if len(q) == 0 {
		return "tm.event='Tx'"
	}

	return "tm.event='Tx' AND " + q.EncodeTags()
}

func (q TxQuery) subscribeParams() map[string]interface{} {
	return map[string]interface{}{
		"query": q.SubscriptionQuery(),
	}
}

func (q TxQuery) queryMethod() (string, map[string]interface{}) {
	return "tx_search", map[string]interface{}{
		"query":    q.EncodeTags(),
		"page":     "1",
		"per_page": "1",
		"order_by": "desc",
	}
}

func (q TxQuery) matched(result json.RawMessage) bool {
	search := &TxSearchResult{}
	if err := json.Unmarshal(result, search); err != nil {
		return false
	}

	return search.Matched()
}

func encodeValue(v interface{}) string {
	switch value := v.(type) {
	case string:
		return "'" + value + "'"
	case fmt.Stringer:
		return "'" + value.String() + "'"
	default:
		return fmt.Sprint(value)
	}
}

// TxHashQuery traces a single transaction by its hash.
type TxHashQuery []byte

func (q TxHashQuery) subscribeParams() map[string]interface{} {
	return map[string]interface{}{
		"query": fmt.Sprintf("tm.event='Tx' AND tx.hash='%s'", strings.ToUpper(hex.EncodeToString(q))),
	}
}

func (q TxHashQuery) queryMethod() (string, map[string]interface{}) {
	return "tx", map[string]interface{}{
		"hash":  base64.StdEncoding.EncodeToString(q),
		"prove": false,
	}
}

// Any successful tx lookup means the tx is included.
func (q TxHashQuery) matched(result json.RawMessage) bool {
	return len(result) > 0 && string(result) != "null"
}
