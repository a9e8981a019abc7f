package taskqueue

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/jobpool/pkg/api"
)

// testTTR is short enough to observe lease expiry, long enough to survive a
// slow container round trip.
const testTTR = 400 * time.Millisecond

// BrokerSuite is the behavior every api.Broker backend must share. Backends
// embed it and set newBroker; SetupTest gives each test a fresh broker on an
// empty store.
type BrokerSuite struct {
	suite.Suite

	newBroker func() api.Broker
	reset     func()

	broker api.Broker
	ctx    context.Context
}

func (s *BrokerSuite) SetupTest() {
	if s.reset != nil {
		s.reset()
	}
	s.ctx = context.Background()
	s.broker = s.newBroker()
}

func (s *BrokerSuite) TearDownTest() {
	if s.broker != nil {
		s.NoError(s.broker.Close())
	}
}

func (s *BrokerSuite) put(tube, payload string) string {
	id, err := s.broker.Put(s.ctx, tube, []byte(payload), 0)
	s.Require().NoError(err)
	s.Require().NotEmpty(id)
	return id
}

func (s *BrokerSuite) reserve(timeout time.Duration) *api.Job {
	job, err := s.broker.Reserve(s.ctx, timeout)
	s.Require().NoError(err)
	return job
}

func (s *BrokerSuite) TestPutReserveDelete() {
	s.Require().NoError(s.broker.Watch(s.ctx, "emails"))
	id := s.put("emails", "hello")

	job := s.reserve(time.Second)
	s.Require().NotNil(job)
	s.Equal(id, job.ID)
	s.Equal("emails", job.Tube)
	s.Equal([]byte("hello"), job.Payload)
	s.Equal(0, job.Attempts)

	n, err := s.broker.Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n, "reserved jobs still count")

	s.Require().NoError(s.broker.Delete(s.ctx, job.ID))
	n, err = s.broker.Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, n)

	s.ErrorIs(s.broker.Delete(s.ctx, job.ID), ErrJobNotFound)
}

func (s *BrokerSuite) TestReserveTimesOutWithNil() {
	s.Require().NoError(s.broker.Watch(s.ctx, "empty"))

	start := time.Now()
	s.Nil(s.reserve(150 * time.Millisecond))
	s.GreaterOrEqual(time.Since(start), 100*time.Millisecond)

	s.Nil(s.reserve(0))
}

func (s *BrokerSuite) TestNothingWatchedReservesNothing() {
	s.put("emails", "x")
	s.Nil(s.reserve(50 * time.Millisecond))
}

func (s *BrokerSuite) TestReserveOnlyWatchedTubes() {
	s.put("a", "from-a")
	s.put("b", "from-b")

	s.Require().NoError(s.broker.Watch(s.ctx, "b"))
	job := s.reserve(time.Second)
	s.Require().NotNil(job)
	s.Equal("b", job.Tube)

	s.Require().NoError(s.broker.Ignore(s.ctx, "b"))
	s.Require().NoError(s.broker.Watch(s.ctx, "a"))
	job = s.reserve(time.Second)
	s.Require().NotNil(job)
	s.Equal("a", job.Tube)

	s.Require().NoError(s.broker.Ignore(s.ctx, "a"))
	s.Nil(s.reserve(0))
}

func (s *BrokerSuite) TestFIFOWithinTube() {
	s.Require().NoError(s.broker.Watch(s.ctx, "q"))
	first := s.put("q", "1")
	second := s.put("q", "2")
	third := s.put("q", "3")

	for _, want := range []string{first, second, third} {
		job := s.reserve(time.Second)
		s.Require().NotNil(job)
		s.Equal(want, job.ID)
	}
	s.Nil(s.reserve(0))
}

func (s *BrokerSuite) TestDelayedPut() {
	s.Require().NoError(s.broker.Watch(s.ctx, "later"))
	_, err := s.broker.Put(s.ctx, "later", []byte("x"), 300*time.Millisecond)
	s.Require().NoError(err)

	s.Nil(s.reserve(0), "job must not be ready before its delay")
	s.NotNil(s.reserve(3 * time.Second))
}

func (s *BrokerSuite) TestExpiredLeaseIsRedelivered() {
	s.Require().NoError(s.broker.Watch(s.ctx, "q"))
	id := s.put("q", "x")

	job := s.reserve(time.Second)
	s.Require().NotNil(job)
	s.Nil(s.reserve(0), "reserved job is not handed out twice")

	again := s.reserve(testTTR + 3*time.Second)
	s.Require().NotNil(again)
	s.Equal(id, again.ID)
	s.Equal(1, again.Attempts)

	// The first lease is gone, but its id is the same job: the holder of the
	// new lease can still delete it.
	s.Require().NoError(s.broker.Delete(s.ctx, again.ID))
}

func (s *BrokerSuite) TestTouchExtendsLease() {
	s.Require().NoError(s.broker.Watch(s.ctx, "q"))
	s.put("q", "x")

	job := s.reserve(time.Second)
	s.Require().NotNil(job)

	deadline := time.Now().Add(2 * testTTR)
	for time.Now().Before(deadline) {
		time.Sleep(testTTR / 4)
		s.Require().NoError(s.broker.Touch(s.ctx, job.ID))
		s.Nil(s.reserve(0), "touched job must stay reserved")
	}

	s.ErrorIs(s.broker.Touch(s.ctx, "999999"), ErrJobNotFound)
}

func (s *BrokerSuite) TestTouchAfterExpiryFails() {
	s.Require().NoError(s.broker.Watch(s.ctx, "q"))
	id := s.put("q", "x")

	job := s.reserve(time.Second)
	s.Require().NotNil(job)

	time.Sleep(testTTR + 200*time.Millisecond)
	s.ErrorIs(s.broker.Touch(s.ctx, job.ID), ErrJobNotFound, "an expired lease cannot be renewed")

	again := s.reserve(time.Second)
	s.Require().NotNil(again, "the job is reservable again")
	s.Equal(id, again.ID)
}

func (s *BrokerSuite) TestReleaseWithDelay() {
	s.Require().NoError(s.broker.Watch(s.ctx, "q"))
	id := s.put("q", "x")

	job := s.reserve(time.Second)
	s.Require().NotNil(job)
	s.Require().NoError(s.broker.Release(s.ctx, job.ID, 200*time.Millisecond))

	s.Nil(s.reserve(0))
	again := s.reserve(3 * time.Second)
	s.Require().NotNil(again)
	s.Equal(id, again.ID)
	s.Equal(1, again.Attempts)

	// Only reserved jobs can be released.
	s.Require().NoError(s.broker.Release(s.ctx, again.ID, 0))
	s.ErrorIs(s.broker.Release(s.ctx, again.ID, 0), ErrJobNotFound)
}

func (s *BrokerSuite) TestBury() {
	s.Require().NoError(s.broker.Watch(s.ctx, "q"))
	s.put("q", "x")

	job := s.reserve(time.Second)
	s.Require().NotNil(job)
	s.Require().NoError(s.broker.Bury(s.ctx, job.ID))

	n, err := s.broker.Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, n)
	s.Nil(s.reserve(testTTR + 200*time.Millisecond), "buried job is never redelivered")

	s.ErrorIs(s.broker.Touch(s.ctx, job.ID), ErrJobNotFound)
	s.NoError(s.broker.Delete(s.ctx, job.ID), "buried job can still be deleted")
}
