package job

import "time"

// RedisTimeout bounds any single Redis round trip issued by this
// package, so a wedged connection can't hang a worker loop indefinitely.
const RedisTimeout = 5 * time.Second
