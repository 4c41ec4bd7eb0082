package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/pkg/timestamp"
)

func motorSchema(t *testing.T) *Schema {
	t.Helper()
	s := New("Motor")
	s.StateLeaf("state", On, Off, Moving).Commit()
	s.Int32("int32Property").Reconfigurable().Default(0).
		AllowedStates(On, Off).AccessLevel(Operator).
		MinInc(-100).MaxInc(100).Commit()
	s.Double("speed").Reconfigurable().Default(1.5).Unit("m/s").
		WarnHigh(10).AlarmHigh(20).AlarmLow(-1).Commit()
	s.String("mode").Reconfigurable().Default("fast").Options([]string{"fast", "slow"}).Commit()
	s.String("address").InitOnly().Mandatory().Commit()
	s.VectorInt32("steps").Reconfigurable().MinSize(1).MaxSize(3).Default([]int32{1}).Commit()
	s.UInt64("counter").ReadOnly().Default(uint64(0)).Commit()
	s.Node("limits").AccessLevel(Expert).Commit()
	s.Double("limits.upper").Reconfigurable().Default(5.0).Commit()
	s.Choice("connection").Default("tcp").Commit()
	s.Node("connection.tcp").Commit()
	s.Int32("connection.tcp.port").InitOnly().Default(4000).Commit()
	s.Node("connection.serial").Commit()
	s.String("connection.serial.device").InitOnly().Default("/dev/ttyS0").Commit()
	s.Slot("move").AllowedStates(On).AccessLevel(User).Commit()
	require.NoError(t, s.Err())
	return s
}

func TestSchemaIntrospection(t *testing.T) {
	s := motorSchema(t)

	assert.Equal(t, []string{
		"state", "int32Property", "speed", "mode", "address", "steps",
		"counter", "limits.upper", "connection",
	}, s.Paths())
	assert.Equal(t, []string{"move"}, s.Commands())
	assert.True(t, s.IsCommand("move"))
	assert.True(t, s.IsLeaf("speed"))

	typ, err := s.ValueType("int32Property")
	require.NoError(t, err)
	assert.Equal(t, hash.Int32, typ)

	assert.Equal(t, Reconfigurable, s.AccessMode("speed"))
	assert.Equal(t, ReadOnly, s.AccessMode("state"))
	assert.Equal(t, Mandatory, s.Assignment("address"))
	assert.Equal(t, Operator, s.RequiredAccessLevel("int32Property"))
	assert.Equal(t, Expert, s.RequiredAccessLevel("limits.upper"), "inherited from node")
	assert.Equal(t, User, s.RequiredAccessLevel("speed"))
	assert.Equal(t, []State{On, Off}, s.AllowedStates("int32Property"))

	def, ok := s.DefaultValue("int32Property")
	require.True(t, ok)
	assert.Equal(t, int32(0), def)

	_, err = s.NodeType("missing")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestBuilderErrorsAccumulate(t *testing.T) {
	s := New("Broken")
	s.Int32("x").Default("text").Commit()
	s.Int32("y").Commit()
	s.Int32("y").Commit()
	s.Leaf("z", hash.HashType).Commit()

	err := s.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defaultValue")
	assert.Contains(t, err.Error(), "declared twice")
	assert.Contains(t, err.Error(), "cannot be a leaf")
}

func TestValidateForInitInjectsDefaults(t *testing.T) {
	s := motorSchema(t)
	out, err := Validate(s, hash.New("address", "10.0.0.1"), ForInit)
	require.NoError(t, err)

	assert.Equal(t, "UNKNOWN", out.Value("state"))
	assert.Equal(t, int32(0), out.Value("int32Property"))
	assert.Equal(t, 1.5, out.Value("speed"))
	assert.Equal(t, uint64(0), out.Value("counter"))
	assert.Equal(t, 5.0, out.Value("limits.upper"))
	assert.Equal(t, int32(4000), out.Value("connection.tcp.port"))
	assert.False(t, out.Has("move"))
}

func TestValidateIsIdempotent(t *testing.T) {
	s := motorSchema(t)
	cfg := hash.New("address", "a", "speed", int32(3), "connection.serial.device", "/dev/x")

	first, err := Validate(s, cfg, ForInit)
	require.NoError(t, err)
	second, err := Validate(s, first, ForInit)
	require.NoError(t, err)
	assert.True(t, first.Equal(second), "first:\n%s\nsecond:\n%s", first, second)
}

func TestValidateImplicitCasts(t *testing.T) {
	s := motorSchema(t)
	tests := []struct {
		name    string
		key     string
		value   any
		want    any
		wantErr bool
	}{
		{"int to double", "speed", int32(2), 2.0, false},
		{"int8 to int32", "int32Property", int8(7), int32(7), false},
		{"int64 fits int32", "int32Property", int64(9), int32(9), false},
		{"string to double", "speed", "2", nil, true},
		{"double to int32", "int32Property", 1.5, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Validate(s, hash.New("address", "a", tt.key, tt.value), ForInit)
			if tt.wantErr {
				assert.ErrorIs(t, err, kerrors.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Value(tt.key))
		})
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	s := motorSchema(t)
	cfg := hash.New(
		"int32Property", int32(500),
		"mode", "medium",
		"steps", []int32{},
		"bogus", true,
	)
	_, err := Validate(s, cfg, ForInit)
	require.Error(t, err)

	var ve ValidationErrors
	require.True(t, errors.As(err, &ve))
	codes := map[string]string{}
	for _, e := range ve {
		codes[e.Path] = e.Code
	}
	assert.Equal(t, map[string]string{
		"int32Property": "max",
		"mode":          "options",
		"address":       "required",
		"steps":         "size",
		"bogus":         "unknown",
	}, codes)
	assert.Equal(t, kerrors.KindValidation, kerrors.KindOf(err))
}

func TestValidateForReconfigure(t *testing.T) {
	s := motorSchema(t)

	out, err := Validate(s, hash.New("speed", 3.0), ForReconfigure)
	require.NoError(t, err)
	assert.Equal(t, []string{"speed"}, out.Paths(), "no defaults injected")

	_, err = Validate(s, hash.New("address", "x"), ForReconfigure)
	require.Error(t, err)
	var ve ValidationErrors
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "access", ve[0].Code)

	_, err = Validate(s, hash.New("state", "ON"), ForReconfigure)
	assert.Error(t, err)
}

func TestValidateRootedConfiguration(t *testing.T) {
	s := motorSchema(t)
	out, err := Validate(s, hash.New("Motor.address", "a"), ForInit)
	require.NoError(t, err)
	assert.Equal(t, "a", out.Value("address"))
}

func TestValidateChoiceAndList(t *testing.T) {
	s := New("Seq")
	s.List("steps").Default([]string{"wait"}).Commit()
	s.Node("steps.wait").Commit()
	s.Double("steps.wait.seconds").Default(1.0).Commit()
	s.Node("steps.move").Commit()
	s.Double("steps.move.target").Mandatory().Commit()
	require.NoError(t, s.Err())

	out, err := Validate(s, hash.New(), ForInit)
	require.NoError(t, err)
	rows, ok := out.Value("steps").([]*hash.Hash)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, 1.0, rows[0].Value("wait.seconds"))

	cfg := hash.New("steps", []*hash.Hash{hash.New("move.target", 3.0), hash.New("jump", hash.New())})
	_, err = Validate(s, cfg, ForInit)
	var ve ValidationErrors
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"steps[1]"}, ve.Paths())
}

func TestValidateInjectTimestamps(t *testing.T) {
	s := motorSchema(t)
	ts := timestamp.Timestamp{Sec: 100, Frac: 0, TrainID: 7}
	v := NewValidator(s, ForReconfigure).WithClock(func() timestamp.Timestamp { return ts })
	opts := DefaultOptions(ForReconfigure)
	opts.InjectTimestamps = true
	v.WithOptions(opts)

	out, err := v.Validate(hash.New("speed", 2.0))
	require.NoError(t, err)
	attrs, err := out.Attrs("speed")
	require.NoError(t, err)
	got, ok := timestamp.FromAttributes(attrs)
	require.True(t, ok)
	assert.Equal(t, ts, got)
}

func TestEvaluateAlarm(t *testing.T) {
	s := motorSchema(t)
	tests := []struct {
		value any
		want  AlarmCondition
	}{
		{5.0, AlarmNone},
		{12.0, WarnHigh},
		{25.0, AlarmHigh},
		{int32(-3), AlarmLow},
		{"text", AlarmNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.EvaluateAlarm("speed", tt.value), "value %v", tt.value)
	}
	assert.True(t, s.HasAlarmLimits("speed"))
	assert.False(t, s.HasAlarmLimits("mode"))
}

func TestForState(t *testing.T) {
	s := motorSchema(t)
	moving := s.ForState(Moving)
	assert.False(t, moving.Has("int32Property"))
	assert.False(t, moving.Has("move"))
	assert.True(t, moving.Has("speed"))
	assert.True(t, moving.Has("state"))

	on := s.ForState(On)
	assert.True(t, on.Has("int32Property"))
	assert.True(t, on.Has("move"))
}

func TestSchemaWireRoundTrip(t *testing.T) {
	s := motorSchema(t)
	data, err := hash.EncodeBinary(hash.New("schema", s.Wire()))
	require.NoError(t, err)
	back, err := hash.DecodeBinary(data)
	require.NoError(t, err)

	w, ok := back.Value("schema").(*hash.Schema)
	require.True(t, ok)
	decoded := FromWire(w)
	assert.Equal(t, "Motor", decoded.ClassID())
	assert.Equal(t, s.Paths(), decoded.Paths())
	assert.True(t, s.Parameters().Equal(decoded.Parameters()))
}

func TestStates(t *testing.T) {
	assert.True(t, On.IsDerivedFrom(Active))
	assert.True(t, On.IsDerivedFrom(Normal))
	assert.True(t, Moving.IsDerivedFrom(Changing))
	assert.False(t, Moving.IsDerivedFrom(Static))
	assert.True(t, On.In([]State{Off, On}))

	_, ok := ParseState("BOGUS")
	assert.False(t, ok)
}

func TestAccessLevel(t *testing.T) {
	assert.True(t, Operator.Allows(User))
	assert.False(t, Observer.Allows(Operator))
	l, ok := ParseAccessLevel("expert")
	require.True(t, ok)
	assert.Equal(t, Expert, l)
}
