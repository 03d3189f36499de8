package redisqueue

// Key layout. Every key of a queue carries the queue name as a hash tag so
// the scripts touch a single slot on Redis Cluster:
//
//	<prefix>{<queue>}:item:<id>   hash   item fields
//	<prefix>{<queue>}:waiting     zset   score = enqueue sequence
//	<prefix>{<queue>}:delayed     zset   score = run at (unix ms)
//	<prefix>{<queue>}:active      zset   score = claim expiry (unix ms)
//	<prefix>{<queue>}:completed   zset   score = finished at (unix ms)
//	<prefix>{<queue>}:failed      zset   score = finished at (unix ms)
//	<prefix>{<queue>}:expiry      zset   score = retention deadline (unix ms)
//	<prefix>{<queue>}:seq         string enqueue sequence counter
//	<prefix>{<queue>}:signal      list   wake-ups for WaitForItems

// DefaultKeyPrefix namespaces engine keys.
const DefaultKeyPrefix = "mmk:"

// signalBacklog bounds the wake-up list.
const signalBacklog = 64

type queueKeys struct {
	itemPrefix string
	waiting    string
	delayed    string
	active     string
	completed  string
	failed     string
	expiry     string
	seq        string
	signal     string
}

func newQueueKeys(prefix, queue string) queueKeys {
	base := prefix + "{" + queue + "}:"
	return queueKeys{
		itemPrefix: base + "item:",
		waiting:    base + "waiting",
		delayed:    base + "delayed",
		active:     base + "active",
		completed:  base + "completed",
		failed:     base + "failed",
		expiry:     base + "expiry",
		seq:        base + "seq",
		signal:     base + "signal",
	}
}

func (k queueKeys) item(id string) string { return k.itemPrefix + id }
