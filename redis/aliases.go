package redis

import (
	"github.com/go-redis/redis/v8"

	"github.com/harborscale/go-harborscale-state/logger"
)

type Logger = logger.Logger

// so we dont have to import go-redis in consuming packages
type Pipeliner = redis.Pipeliner
type Cmder = redis.Cmder

// Nil is the reply returned when a key is absent. It is an outcome, not a
// failure: the connector never reports it through the error taxonomy.
const Nil = redis.Nil
