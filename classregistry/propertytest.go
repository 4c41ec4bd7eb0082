package classregistry

import (
	"context"
	"sync"
	"time"

	"github.com/European-XFEL/Karabo-sub011/device"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/schema"
)

// PropertyTestClassID is the class id of the property test device.
const PropertyTestClassID = "PropertyTest"

// mirrored properties are copied to their <name>ReadOnly twin on every
// reconfiguration.
var mirrored = []string{
	"boolProperty", "int32Property", "uint32Property", "int64Property",
	"uint64Property", "floatProperty", "doubleProperty", "node.counter",
}

// PropertyTest returns a device class exposing one property of every common
// type, a counter node and a background writer. It exercises clients,
// loggers and the configuration database.
func PropertyTest() *device.Class {
	return &device.Class{
		ClassID:      PropertyTestClassID,
		Version:      "2.0",
		Description:  "Device with properties of all types",
		InitialState: schema.Normal,
		Describe:     describePropertyTest,
		Factory: func(d *device.Device) (any, error) {
			p := &propertyTest{d: d}
			d.RegisterCommand("node.increment", p.increment)
			d.RegisterCommand("node.reset", p.reset)
			d.RegisterCommand("resetCounters", p.resetCounters)
			d.RegisterCommand("startWritingOutput", p.startWriting)
			d.RegisterBackgroundCommand("stopWritingOutput", p.stopWriting)
			return p, nil
		},
	}
}

func describePropertyTest(s *schema.Schema) {
	s.Bool("boolProperty").DisplayedName("Bool").Reconfigurable().Default(false).Commit()
	s.Bool("boolPropertyReadOnly").ReadOnly().Default(true).Commit()
	s.Int32("int32Property").DisplayedName("Int32").Reconfigurable().Default(int32(-32_000_000)).Commit()
	s.Int32("int32PropertyReadOnly").ReadOnly().Default(int32(0)).
		WarnLow(int32(-10)).WarnHigh(int32(10)).AlarmLow(int32(-100)).AlarmHigh(int32(100)).Commit()
	s.UInt32("uint32Property").Reconfigurable().Default(uint32(32_000_000)).Commit()
	s.UInt32("uint32PropertyReadOnly").ReadOnly().Default(uint32(0)).Commit()
	s.Int64("int64Property").Reconfigurable().Default(int64(3_200_000_000)).Commit()
	s.Int64("int64PropertyReadOnly").ReadOnly().Default(int64(0)).Commit()
	s.UInt64("uint64Property").Reconfigurable().Default(uint64(3_200_000_000)).Commit()
	s.UInt64("uint64PropertyReadOnly").ReadOnly().Default(uint64(0)).Commit()
	s.Float("floatProperty").Reconfigurable().Unit("m").MetricPrefix("m").Default(float32(3.141596)).Commit()
	s.Float("floatPropertyReadOnly").ReadOnly().Default(float32(0)).Commit()
	s.Double("doubleProperty").Reconfigurable().Default(3.1415967773331).
		MinInc(-1000.0).MaxInc(1000.0).Commit()
	s.Double("doublePropertyReadOnly").ReadOnly().Default(0.0).Commit()
	s.String("stringProperty").Reconfigurable().Default("Some arbitrary text.").Commit()

	s.Node("vectors").DisplayedName("Vectors").Commit()
	s.VectorBool("vectors.boolProperty").Reconfigurable().Default([]bool{true, false, true}).
		MinSize(1).MaxSize(10).Commit()
	s.VectorInt32("vectors.int32Property").Reconfigurable().Default([]int32{-1, 2, 3}).
		MinSize(1).MaxSize(10).Commit()
	s.VectorDouble("vectors.doubleProperty").Reconfigurable().Default([]float64{1.1, 2.2, 3.3}).
		MinSize(1).MaxSize(10).Commit()
	s.VectorString("vectors.stringProperty").Reconfigurable().Default([]string{"A", "B", "C"}).
		MinSize(1).MaxSize(10).Commit()

	s.Table("table").Reconfigurable().Default([]*hash.Hash{
		hash.New("e1", "abc", "e2", true, "e3", int32(12), "e4", float32(0.9837), "e5", 1.2345),
		hash.New("e1", "xyz", "e2", false, "e3", int32(42), "e4", float32(2.33333), "e5", 7.77777),
	}).Commit()

	s.Node("node").DisplayedName("Node").Commit()
	s.Slot("node.increment").AllowedStates(schema.Normal).Commit()
	s.Slot("node.reset").AllowedStates(schema.Normal).Commit()
	s.UInt32("node.counterReadOnly").ReadOnly().Default(uint32(0)).Commit()
	s.UInt32("node.counter").Reconfigurable().Default(uint32(0)).Commit()

	s.Double("outputFrequency").DisplayedName("Output frequency").Unit("Hz").
		Reconfigurable().Default(10.0).MinExc(0.0).MaxInc(1000.0).Commit()
	s.Int32("outputCounter").ReadOnly().Default(int32(0)).Commit()
	s.Slot("startWritingOutput").AllowedStates(schema.Normal).Commit()
	s.Slot("stopWritingOutput").AllowedStates(schema.Started).Commit()
	s.Slot("resetCounters").AllowedStates(schema.Normal).Commit()
}

type propertyTest struct {
	d *device.Device

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// PreReconfigure mirrors incoming values to their read-only twins.
func (p *propertyTest) PreReconfigure(ctx context.Context, changes *hash.Hash) error {
	mirror := hash.New()
	for _, key := range mirrored {
		if n, err := changes.Find(key); err == nil {
			if _, err := mirror.SetTyped(key+"ReadOnly", n.Value(), n.Type()); err != nil {
				return err
			}
		}
	}
	if mirror.Empty() {
		return nil
	}
	return p.d.Set(ctx, mirror)
}

func (p *propertyTest) OnDestruction(context.Context) error {
	p.halt()
	return nil
}

func (p *propertyTest) increment(ctx context.Context, _ []any) ([]any, error) {
	v, err := p.d.Get("node.counterReadOnly")
	if err != nil {
		return nil, err
	}
	return nil, p.d.SetValue(ctx, "node.counterReadOnly", v.(uint32)+1)
}

func (p *propertyTest) reset(ctx context.Context, _ []any) ([]any, error) {
	return nil, p.d.SetValue(ctx, "node.counterReadOnly", uint32(0))
}

func (p *propertyTest) resetCounters(ctx context.Context, _ []any) ([]any, error) {
	return nil, p.d.Set(ctx, hash.New("outputCounter", int32(0), "node.counterReadOnly", uint32(0)))
}

// startWriting increments outputCounter at outputFrequency until
// stopWritingOutput.
func (p *propertyTest) startWriting(ctx context.Context, _ []any) ([]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return nil, nil
	}
	if err := p.d.UpdateState(ctx, schema.Started, nil); err != nil {
		return nil, err
	}
	p.stop = make(chan struct{})
	p.stopped = make(chan struct{})
	go p.writeLoop(p.stop, p.stopped)
	return nil, nil
}

func (p *propertyTest) writeLoop(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ctx := context.Background()
	for {
		v, _ := p.d.Get("outputCounter")
		counter, _ := v.(int32)
		if err := p.d.SetValue(ctx, "outputCounter", counter+1); err != nil {
			p.d.Logger().Warn("Cannot update output counter", "error", err)
		}
		freq, _ := p.d.Get("outputFrequency")
		hz, _ := freq.(float64)
		if hz <= 0 {
			hz = 1
		}
		select {
		case <-stop:
			return
		case <-time.After(time.Duration(float64(time.Second) / hz)):
		}
	}
}

func (p *propertyTest) stopWriting(ctx context.Context, _ []any) ([]any, error) {
	if err := p.d.UpdateState(ctx, schema.Stopping, nil); err != nil {
		return nil, err
	}
	p.halt()
	return nil, p.d.UpdateState(ctx, schema.Normal, nil)
}

func (p *propertyTest) halt() {
	p.mu.Lock()
	stop, stopped := p.stop, p.stopped
	p.stop, p.stopped = nil, nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
		<-stopped
	}
}
