package meta

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/danmu-garden-protobuf/internal/json"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/log"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

type point struct {
	X int32 `pb:"1"`
	Y int32 `pb:"2,zigzag"`
}

type duplicated struct {
	A int32 `pb:"3"`
	B int32 `pb:"3"`
}

type badRef struct {
	V int32 `pb:"1,ref"`
}

type implicitFields struct {
	First  string
	Second int64
	Third  bool
}

type mixedTags struct {
	_     struct{} `pb:"implicit"`
	A     int32    `pb:"2"`
	B     int32
	C     int32
	Skip  int32 `pb:"-"`
	inner int32
}

type itemMap struct {
	V []int32          `pb:"1"`
	M map[int32]*point `pb:"2"`
}

type ModelSuite struct {
	suite.Suite
	model *RuntimeTypeModel
}

func (s *ModelSuite) SetupSuite() {
	log.InitTestLogger(s.T(), &log.Config{Level: "debug"})
}

func (s *ModelSuite) SetupTest() {
	m, err := New(WithName(s.T().Name()))
	s.Require().NoError(err)
	s.model = m
}

func (s *ModelSuite) TearDownTest() {
	metrics.CleanupModelMetrics(s.model.Name())
}

func (s *ModelSuite) TestAddAssignsStableKeys() {
	mt, err := s.model.Add(reflect.TypeOf(point{}), true)
	s.Require().NoError(err)
	s.Equal(0, mt.Key())

	again, err := s.model.Add(reflect.TypeOf(&point{}), true)
	s.Require().NoError(err)
	s.Same(mt, again)

	key, err := s.model.Resolve(reflect.TypeOf(implicitFields{}), true)
	s.Require().NoError(err)
	s.Equal(1, key)

	byKey, err := s.model.MetaTypeByKey(1)
	s.Require().NoError(err)
	s.Equal(reflect.TypeOf(implicitFields{}), byKey.Type())
	s.Len(s.model.Types(), 2)

	_, err = s.model.MetaTypeByKey(9)
	s.ErrorIs(err, merr.ErrTypeNotFound)

	s.Equal(float64(2), testutil.ToFloat64(metrics.RegisteredTypes.WithLabelValues(s.model.Name())))
}

func (s *ModelSuite) TestFindByName() {
	mt, err := s.model.Add(reflect.TypeOf(point{}), true)
	s.Require().NoError(err)
	got, ok := s.model.FindByName(mt.Name())
	s.True(ok)
	s.Same(mt, got)

	s.Require().NoError(mt.SetName("geo.Point"))
	got, ok = s.model.FindByName("geo.Point")
	s.True(ok)
	s.Same(mt, got)
}

func (s *ModelSuite) TestResolveWithoutCreate() {
	_, err := s.model.Resolve(reflect.TypeOf(point{}), false)
	s.ErrorIs(err, merr.ErrTypeNotFound)
	s.False(s.model.IsDefined(reflect.TypeOf(point{})))
}

func (s *ModelSuite) TestDuplicateTagRollsBack() {
	_, err := s.model.Add(reflect.TypeOf(duplicated{}), true)
	s.ErrorIs(err, merr.ErrDuplicateTag)
	s.True(merr.IsConfigurationError(err))
	s.False(s.model.IsDefined(reflect.TypeOf(duplicated{})))
	s.Empty(s.model.Types())
}

func (s *ModelSuite) TestDiscoveredFields() {
	mt, err := s.model.Add(reflect.TypeOf(point{}), true)
	s.Require().NoError(err)
	s.Require().Len(mt.Fields(), 2)
	y, ok := mt.Field(2)
	s.Require().True(ok)
	s.Equal("Y", y.Name())
	lvl, ok := y.Level(0)
	s.True(ok)
	s.Equal(FormatZigZag, lvl.DataFormat)
}

func (s *ModelSuite) TestImplicitNumbering() {
	mt, err := s.model.Add(reflect.TypeOf(implicitFields{}), true)
	s.Require().NoError(err)
	names := make(map[int]string)
	for _, f := range mt.Fields() {
		names[f.Tag()] = f.Name()
	}
	s.Equal(map[int]string{1: "First", 2: "Second", 3: "Third"}, names)

	mt, err = s.model.Add(reflect.TypeOf(mixedTags{}), true)
	s.Require().NoError(err)
	names = make(map[int]string)
	for _, f := range mt.Fields() {
		names[f.Tag()] = f.Name()
	}
	s.Equal(map[int]string{2: "A", 1: "B", 3: "C"}, names)
}

func (s *ModelSuite) TestManualConfiguration() {
	mt, err := s.model.Add(reflect.TypeOf(implicitFields{}), false)
	s.Require().NoError(err)
	s.Empty(mt.Fields())

	_, err = mt.AddField(5, "Second")
	s.Require().NoError(err)
	_, err = mt.AddField(5, "Third")
	s.ErrorIs(err, merr.ErrDuplicateTag)
	_, err = mt.AddField(0, "Third")
	s.ErrorIs(err, merr.ErrInvalidTag)
	_, err = mt.AddField(6, "missing")
	s.ErrorIs(err, merr.ErrInvalidMember)

	s.Require().NoError(mt.Add("First"))
	tags := make([]int, 0)
	for _, f := range mt.Fields() {
		tags = append(tags, f.Tag())
	}
	s.Equal([]int{5, 6}, tags)
}

func (s *ModelSuite) TestFrozenAfterBuild() {
	mt, err := s.model.Add(reflect.TypeOf(point{}), true)
	s.Require().NoError(err)
	s.False(mt.IsFrozen())

	_, err = mt.RootSerializer()
	s.Require().NoError(err)
	s.True(mt.IsFrozen())

	_, err = mt.AddField(9, "X")
	s.ErrorIs(err, merr.ErrTypeFrozen)
	f, _ := mt.Field(1)
	s.ErrorIs(f.SetDataFormat(FormatFixedSize), merr.ErrTypeFrozen)
	s.ErrorIs(mt.SetMode(Reference), merr.ErrTypeFrozen)
}

func (s *ModelSuite) TestFailedBuildIsNotCached() {
	mt, err := s.model.Add(reflect.TypeOf(badRef{}), true)
	s.Require().NoError(err)

	_, err = mt.Serializer()
	s.ErrorIs(err, merr.ErrIncompatibleMode)
	s.False(mt.IsFrozen())
	s.Equal(float64(1), testutil.ToFloat64(metrics.PipelineBuilds.WithLabelValues(s.model.Name(), metrics.FailLabel)))

	f, _ := mt.Field(1)
	s.Require().NoError(f.SetMode(Compact))
	_, err = mt.Serializer()
	s.NoError(err)
	s.True(mt.IsFrozen())
}

func (s *ModelSuite) TestModelFreeze() {
	_, err := s.model.Add(reflect.TypeOf(point{}), true)
	s.Require().NoError(err)
	s.Require().NoError(s.model.Freeze())
	s.Require().NoError(s.model.Freeze())
	s.True(s.model.IsFrozen())

	_, err = s.model.Add(reflect.TypeOf(implicitFields{}), true)
	s.ErrorIs(err, merr.ErrModelFrozen)

	mt := s.model.Find(reflect.TypeOf(point{}))
	s.Require().NotNil(mt)
	_, err = mt.AddField(7, "X")
	s.ErrorIs(err, merr.ErrModelFrozen)

	// 已注册类型的管线仍可构建。
	data, err := s.model.Marshal(point{X: 1})
	s.NoError(err)
	s.Equal([]byte{0x08, 0x01}, data)
}

func (s *ModelSuite) TestConcurrentBuildRunsOnce() {
	mt, err := s.model.Add(reflect.TypeOf(point{}), true)
	s.Require().NoError(err)

	const workers = 32
	var (
		g     errgroup.Group
		mu    sync.Mutex
		roots = make(map[any]int)
		start = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			<-start
			root, err := mt.RootSerializer()
			if err != nil {
				return err
			}
			mu.Lock()
			roots[root]++
			mu.Unlock()
			return nil
		})
	}
	close(start)
	s.Require().NoError(g.Wait())
	s.Len(roots, 1)
	s.Equal(int64(1), mt.builds.Load())
}

func (s *ModelSuite) TestCollectionLevelRejectsModes() {
	mt, err := s.model.Add(reflect.TypeOf(itemMap{}), true)
	s.Require().NoError(err)

	cases := []struct {
		tag int
		lvl MemberLevelSettings
	}{
		{1, MemberLevelSettings{Mode: MinimalEnhancement}},
		{1, MemberLevelSettings{Mode: Reference}},
		{2, MemberLevelSettings{Mode: MinimalEnhancement}},
		{2, MemberLevelSettings{Mode: LateReference}},
		{2, MemberLevelSettings{DynamicType: true}},
	}
	for _, c := range cases {
		f, ok := mt.Field(c.tag)
		s.Require().True(ok)
		s.Require().NoError(f.SetLevel(0, c.lvl))
		_, err = mt.Serializer()
		s.ErrorIs(err, merr.ErrIncompatibleMode, "field %d mode %v", c.tag, c.lvl.Mode)
		s.Require().NoError(f.SetLevel(0, MemberLevelSettings{Mode: Compact}))
	}

	// 模式设在元素层上是允许的。
	f, _ := mt.Field(2)
	s.Require().NoError(f.SetLevel(1, MemberLevelSettings{Mode: MinimalEnhancement}))
	_, err = mt.Serializer()
	s.NoError(err)
}

func (s *ModelSuite) TestFieldsWhileConfiguring() {
	mt, err := s.model.Add(reflect.TypeOf(implicitFields{}), false)
	s.Require().NoError(err)

	var (
		g     errgroup.Group
		start = make(chan struct{})
	)
	for i, name := range []string{"First", "Second", "Third"} {
		g.Go(func() error {
			<-start
			_, err := mt.AddField(i+1, name)
			return err
		})
	}
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			<-start
			for j := 0; j < 100; j++ {
				fields := mt.Fields()
				for k := 1; k < len(fields); k++ {
					if fields[k-1].Tag() >= fields[k].Tag() {
						return errors.Newf("fields out of order: %d then %d", fields[k-1].Tag(), fields[k].Tag())
					}
				}
				mt.Field(2)
			}
			return nil
		})
	}
	close(start)
	s.Require().NoError(g.Wait())

	tags := make([]int, 0, 3)
	for _, f := range mt.Fields() {
		tags = append(tags, f.Tag())
	}
	s.Equal([]int{1, 2, 3}, tags)
}

func (s *ModelSuite) TestLockTimeout() {
	m, err := New(WithName("lock-timeout"), WithLockTimeout(30*time.Millisecond))
	s.Require().NoError(err)
	defer metrics.CleanupModelMetrics(m.Name())

	s.Require().NoError(m.lock.acquire("held by test"))
	_, err = m.Add(reflect.TypeOf(point{}), true)
	m.lock.release()

	s.ErrorIs(err, merr.ErrLockTimeout)
	s.True(merr.IsResourceError(err))
	s.Contains(err.Error(), "held by test")
	s.False(m.IsDefined(reflect.TypeOf(point{})))
	s.Equal(int64(1), m.LockContention())
	s.Equal(float64(1), testutil.ToFloat64(metrics.LockTimeouts.WithLabelValues(m.Name())))

	_, err = m.Add(reflect.TypeOf(point{}), true)
	s.NoError(err)
}

func (s *ModelSuite) TestLockContentionCallback() {
	var (
		mu   sync.Mutex
		seen []LockContention
	)
	m, err := New(WithName("lock-contention"), WithLockContentionHandler(func(c LockContention) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	}))
	s.Require().NoError(err)
	defer metrics.CleanupModelMetrics(m.Name())

	s.Require().NoError(m.lock.acquire("slow"))
	done := make(chan error, 1)
	go func() {
		_, err := m.Add(reflect.TypeOf(point{}), true)
		done <- err
	}()
	s.Eventually(func() bool { return m.lock.waiting.Load() == 1 }, time.Second, time.Millisecond)
	m.lock.release()
	s.Require().NoError(<-done)

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(seen, 1)
	s.Equal("slow", seen[0].Operation)
	s.Equal(int64(1), seen[0].Waiters)
	s.Equal(int64(1), m.LockContention())
}

func (s *ModelSuite) TestDescribe() {
	_, err := s.model.Add(reflect.TypeOf(point{}), true)
	s.Require().NoError(err)
	data, err := s.model.Describe()
	s.Require().NoError(err)

	var desc struct {
		Name  string `json:"name"`
		Types []struct {
			GoType  string `json:"go_type"`
			Kind    string `json:"kind"`
			Members []struct {
				Tag    int `json:"tag"`
				Levels []struct {
					DataFormat string `json:"data_format"`
				} `json:"levels"`
			} `json:"members"`
		} `json:"types"`
	}
	s.Require().NoError(json.Unmarshal(data, &desc))
	s.Equal(s.model.Name(), desc.Name)
	s.Require().Len(desc.Types, 1)
	s.Equal("struct", desc.Types[0].Kind)
	s.Require().Len(desc.Types[0].Members, 2)
	s.Equal(FormatZigZag.String(), desc.Types[0].Members[1].Levels[0].DataFormat)
}

func TestModel(t *testing.T) {
	suite.Run(t, new(ModelSuite))
}

func TestDefaultModel(t *testing.T) {
	a, b := Default(), Default()
	require.Same(t, a, b)
	assert.Equal(t, defaultModelName, a.Name())
}

func TestTagOptionErrors(t *testing.T) {
	type unknownOption struct {
		V int32 `pb:"1,bogus"`
	}
	type badDefault struct {
		V int32 `pb:"1,default=abc"`
	}
	type defaultAndRequired struct {
		V int32 `pb:"1,default=3,required"`
	}
	m, err := New(WithName("tag-options"))
	require.NoError(t, err)

	_, err = m.Add(reflect.TypeOf(unknownOption{}), true)
	assert.ErrorIs(t, err, merr.ErrInvalidMember)
	_, err = m.Add(reflect.TypeOf(badDefault{}), true)
	assert.ErrorIs(t, err, merr.ErrInvalidDefaultValue)

	_, err = m.Marshal(defaultAndRequired{V: 1})
	assert.ErrorIs(t, err, merr.ErrInvalidDefaultValue)
	assert.True(t, errors.Is(err, merr.ErrInvalidDefaultValue))
}
