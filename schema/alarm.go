package schema

// EvaluateAlarm returns the condition of value against the alarm and warn
// limits of path. Alarm limits win over warn limits; values that cannot be
// compared give AlarmNone.
func (s *Schema) EvaluateAlarm(path string, value any) AlarmCondition {
	a := s.attrs(path)
	checks := []struct {
		attr string
		cond AlarmCondition
		bad  func(c int) bool
	}{
		{AttrAlarmLow, AlarmLow, func(c int) bool { return c < 0 }},
		{AttrAlarmHigh, AlarmHigh, func(c int) bool { return c > 0 }},
		{AttrWarnLow, WarnLow, func(c int) bool { return c < 0 }},
		{AttrWarnHigh, WarnHigh, func(c int) bool { return c > 0 }},
	}
	for _, chk := range checks {
		limit, ok := a.Find(chk.attr)
		if !ok {
			continue
		}
		if c, ok := compare(value, limit.Value); ok && chk.bad(c) {
			return chk.cond
		}
	}
	return AlarmNone
}

// HasAlarmLimits reports whether path declares any warn or alarm limit.
func (s *Schema) HasAlarmLimits(path string) bool {
	a := s.attrs(path)
	return a.Has(AttrAlarmLow) || a.Has(AttrAlarmHigh) || a.Has(AttrWarnLow) || a.Has(AttrWarnHigh)
}
