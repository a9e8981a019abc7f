package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/jobpool/internal/testutil"
	"github.com/petrijr/jobpool/pkg/api"
)

func TestRedisBrokerSuite(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testutil.RedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })

	s := &BrokerSuite{}
	s.reset = func() {
		s.Require().NoError(client.FlushDB(context.Background()).Err())
	}
	s.newBroker = func() api.Broker {
		return NewRedisBroker(client, "jobpool-test:", WithTTR(testTTR), WithPollInterval(20*time.Millisecond))
	}
	suite.Run(t, s)
}
