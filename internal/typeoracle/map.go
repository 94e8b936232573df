package typeoracle

// Map is a static Oracle. Tests build one directly; config overrides
// are layered over a Vmlinux with Overlay.
type Map struct {
	Symbols map[string]uint64
	Types   map[string]TypeInfo
	Strings map[string]string
	// Offsets holds precomputed "type.field.path" offsets. They take
	// precedence over Types.
	Offsets map[string]uint64
}

func (m *Map) AddressOf(symbol string) (uint64, bool) {
	v, ok := m.Symbols[symbol]
	return v, ok
}

func (m *Map) Sizeof(typeName string) (uint64, bool) {
	t, ok := m.Types[typeName]
	if !ok {
		return 0, false
	}
	return t.Size, true
}

func (m *Map) FieldOffset(typeName, fieldPath string) (uint64, bool) {
	if v, ok := m.Offsets[typeName+"."+fieldPath]; ok {
		return v, true
	}
	return resolvePath(m.Layout, typeName, fieldPath)
}

func (m *Map) ReadStringConst(symbol string) (string, bool) {
	s, ok := m.Strings[symbol]
	return s, ok
}

func (m *Map) Layout(typeName string) (TypeInfo, bool) {
	t, ok := m.Types[typeName]
	return t, ok
}

// Overlay answers from top first and falls back to base.
type Overlay struct {
	Top  Oracle
	Base Oracle
}

func (o Overlay) AddressOf(symbol string) (uint64, bool) {
	if v, ok := o.Top.AddressOf(symbol); ok {
		return v, true
	}
	return o.Base.AddressOf(symbol)
}

func (o Overlay) Sizeof(typeName string) (uint64, bool) {
	if v, ok := o.Top.Sizeof(typeName); ok {
		return v, true
	}
	return o.Base.Sizeof(typeName)
}

func (o Overlay) FieldOffset(typeName, fieldPath string) (uint64, bool) {
	if v, ok := o.Top.FieldOffset(typeName, fieldPath); ok {
		return v, true
	}
	return o.Base.FieldOffset(typeName, fieldPath)
}

func (o Overlay) ReadStringConst(symbol string) (string, bool) {
	if v, ok := o.Top.ReadStringConst(symbol); ok {
		return v, true
	}
	return o.Base.ReadStringConst(symbol)
}

func (o Overlay) Layout(typeName string) (TypeInfo, bool) {
	if v, ok := o.Top.Layout(typeName); ok {
		return v, true
	}
	return o.Base.Layout(typeName)
}
