package testutil

// The collections below carry the field names of the platform's
// java.util implementations, which is all the callback cleaner relies on.

func (r *Runtime) abstractList() *Class {
	return r.Named(ClassDef{
		Descriptor: "Ljava/util/AbstractList;",
		Super:      r.ObjectClass,
		Fields:     []FieldDef{{Name: "modCount", Type: "I"}},
	})
}

// ArrayList returns a java.util.ArrayList holding elems, with spare
// capacity after them.
func (r *Runtime) ArrayList(elems ...uint32) uint32 {
	class := r.Named(ClassDef{
		Descriptor: "Ljava/util/ArrayList;",
		Super:      r.abstractList(),
		Fields: []FieldDef{
			{Name: "elementData", Type: "[Ljava/lang/Object;"},
			{Name: "size", Type: "I"},
		},
	})
	data := append(append([]uint32(nil), elems...), 0, 0)
	list := r.NewObject(class)
	r.SetField(list, "elementData", r.NewArray(data...))
	r.SetField(list, "size", uint32(len(elems)))
	return list
}

// CopyOnWriteArraySet returns a java.util.concurrent.CopyOnWriteArraySet
// holding elems.
func (r *Runtime) CopyOnWriteArraySet(elems ...uint32) uint32 {
	listClass := r.Named(ClassDef{
		Descriptor: "Ljava/util/concurrent/CopyOnWriteArrayList;",
		Super:      r.ObjectClass,
		Fields: []FieldDef{
			{Name: "lock", Type: "Ljava/lang/Object;"},
			{Name: "array", Type: "[Ljava/lang/Object;"},
		},
	})
	setClass := r.Named(ClassDef{
		Descriptor: "Ljava/util/concurrent/CopyOnWriteArraySet;",
		Super:      r.ObjectClass,
		Fields:     []FieldDef{{Name: "al", Type: "Ljava/util/concurrent/CopyOnWriteArrayList;"}},
	})
	list := r.NewObject(listClass)
	r.SetField(list, "array", r.NewArray(elems...))
	set := r.NewObject(setClass)
	r.SetField(set, "al", list)
	return set
}

// buckets spreads elems over a power of two table, two per bucket, and
// links each bucket's nodes through next.
func (r *Runtime) buckets(node *Class, elems []uint32) uint32 {
	n := 8
	for n < len(elems) {
		n *= 2
	}
	table := make([]uint32, n)
	for i := len(elems) - 1; i >= 0; i-- {
		b := i / 2
		nd := r.NewObject(node)
		r.SetField(nd, "hash", uint32(i))
		r.SetField(nd, "key", elems[i])
		r.SetField(nd, "next", table[b])
		table[b] = nd
	}
	return r.NewArray(table...)
}

// KeySet returns the set ConcurrentHashMap.newKeySet creates, holding
// elems.
func (r *Runtime) KeySet(elems ...uint32) uint32 {
	node := r.Named(ClassDef{
		Descriptor: "Ljava/util/concurrent/ConcurrentHashMap$Node;",
		Super:      r.ObjectClass,
		Fields: []FieldDef{
			{Name: "hash", Type: "I"},
			{Name: "key", Type: "Ljava/lang/Object;"},
			{Name: "next", Type: "Ljava/util/concurrent/ConcurrentHashMap$Node;"},
			{Name: "val", Type: "Ljava/lang/Object;"},
		},
	})
	mapClass := r.Named(ClassDef{
		Descriptor: "Ljava/util/concurrent/ConcurrentHashMap;",
		Super:      r.ObjectClass,
		Fields: []FieldDef{
			{Name: "table", Type: "[Ljava/util/concurrent/ConcurrentHashMap$Node;"},
			{Name: "baseCount", Type: "J"},
			{Name: "sizeCtl", Type: "I"},
		},
	})
	view := r.Named(ClassDef{
		Descriptor: "Ljava/util/concurrent/ConcurrentHashMap$CollectionView;",
		Super:      r.ObjectClass,
		Fields:     []FieldDef{{Name: "map", Type: "Ljava/util/concurrent/ConcurrentHashMap;"}},
	})
	keySet := r.Named(ClassDef{
		Descriptor: "Ljava/util/concurrent/ConcurrentHashMap$KeySetView;",
		Super:      view,
		Fields:     []FieldDef{{Name: "value", Type: "Ljava/lang/Object;"}},
	})

	m := r.NewObject(mapClass)
	r.SetField(m, "table", r.buckets(node, elems))
	r.SetField64(m, "baseCount", uint64(len(elems)))
	set := r.NewObject(keySet)
	r.SetField(set, "map", m)
	r.SetField(set, "value", r.NewObject(r.ObjectClass))
	return set
}

// HashSet returns a java.util.HashSet holding elems.
func (r *Runtime) HashSet(elems ...uint32) uint32 {
	node := r.Named(ClassDef{
		Descriptor: "Ljava/util/HashMap$Node;",
		Super:      r.ObjectClass,
		Fields: []FieldDef{
			{Name: "hash", Type: "I"},
			{Name: "key", Type: "Ljava/lang/Object;"},
			{Name: "next", Type: "Ljava/util/HashMap$Node;"},
			{Name: "value", Type: "Ljava/lang/Object;"},
		},
	})
	mapClass := r.Named(ClassDef{
		Descriptor: "Ljava/util/HashMap;",
		Super:      r.ObjectClass,
		Fields: []FieldDef{
			{Name: "table", Type: "[Ljava/util/HashMap$Node;"},
			{Name: "modCount", Type: "I"},
			{Name: "size", Type: "I"},
		},
	})
	setClass := r.Named(ClassDef{
		Descriptor: "Ljava/util/HashSet;",
		Super:      r.ObjectClass,
		Fields:     []FieldDef{{Name: "map", Type: "Ljava/util/HashMap;"}},
	})

	m := r.NewObject(mapClass)
	r.SetField(m, "table", r.buckets(node, elems))
	r.SetField(m, "size", uint32(len(elems)))
	set := r.NewObject(setClass)
	r.SetField(set, "map", m)
	return set
}
