package meta

import (
	"github.com/samber/lo"

	"github.com/lk2023060901/danmu-garden-protobuf/internal/json"
)

type levelDescription struct {
	Type        string `json:"type"`
	ItemType    string `json:"item_type,omitempty"`
	KeyType     string `json:"key_type,omitempty"`
	Mode        string `json:"mode"`
	DataFormat  string `json:"data_format,omitempty"`
	Collection  string `json:"collection,omitempty"`
	DynamicType bool   `json:"dynamic_type,omitempty"`
}

type memberDescription struct {
	Tag      int                `json:"tag"`
	Name     string             `json:"name"`
	Required bool               `json:"required,omitempty"`
	Default  any                `json:"default,omitempty"`
	Levels   []levelDescription `json:"levels"`
}

type subTypeDescription struct {
	Tag  int    `json:"tag"`
	Type string `json:"type"`
}

type typeDescription struct {
	Key       int                  `json:"key"`
	Name      string               `json:"name"`
	GoType    string               `json:"go_type"`
	Kind      string               `json:"kind"`
	Mode      string               `json:"mode"`
	Base      string               `json:"base,omitempty"`
	Surrogate string               `json:"surrogate,omitempty"`
	Frozen    bool                 `json:"frozen"`
	Built     bool                 `json:"built"`
	Members   []memberDescription  `json:"members,omitempty"`
	SubTypes  []subTypeDescription `json:"sub_types,omitempty"`
}

type modelDescription struct {
	Name   string            `json:"name"`
	Frozen bool              `json:"frozen"`
	Config Config            `json:"config"`
	Types  []typeDescription `json:"types"`
}

// Describe 以 JSON 描述已发布的类型，便于排查配置问题。
func (m *RuntimeTypeModel) Describe() ([]byte, error) {
	desc := modelDescription{
		Name:   m.name,
		Frozen: m.frozen.Load(),
		Config: m.cfg.Config,
		Types:  lo.Map(m.Types(), func(mt *MetaType, _ int) typeDescription { return m.describeType(mt) }),
	}
	return json.MarshalIndent(desc, "", "  ")
}

// describeType 未冻结的类型在持锁时读取。
func (m *RuntimeTypeModel) describeType(mt *MetaType) typeDescription {
	d := typeDescription{
		Key:    mt.key,
		GoType: mt.typ.String(),
		Kind:   mt.kind.String(),
		Frozen: mt.frozen.Load(),
		Built:  mt.built.Load() != nil,
	}
	read := func() error {
		d.Name = mt.settings.Name
		d.Mode = mt.settings.Mode.String()
		if mt.base != nil {
			d.Base = mt.base.settings.Name
		}
		if mt.surrogate != nil {
			d.Surrogate = mt.surrogate.typ.String()
		}
		d.Members = lo.Map(mt.fields, func(f *ValueMember, _ int) memberDescription {
			md := memberDescription{Tag: f.tag, Name: f.name, Required: f.required}
			if v, ok := f.DefaultValue(); ok {
				md.Default = v
			}
			md.Levels = lo.Map(m.resolveLevels(f.levels), func(l MemberLevelSettings, _ int) levelDescription {
				ld := levelDescription{
					Type:        l.Type.String(),
					Mode:        l.Mode.String(),
					DynamicType: l.DynamicType,
				}
				if l.DataFormat != FormatDefault {
					ld.DataFormat = l.DataFormat.String()
				}
				if l.IsCollection() {
					ld.ItemType = l.ItemType.String()
					ld.Collection = l.Collection.String()
					if l.KeyType != nil {
						ld.KeyType = l.KeyType.String()
					}
				}
				return ld
			})
			return md
		})
		d.SubTypes = lo.Map(mt.subTypes, func(st *SubType, _ int) subTypeDescription {
			return subTypeDescription{Tag: st.tag, Type: st.derived.settings.Name}
		})
		return nil
	}
	if d.Frozen {
		_ = read()
	} else if err := m.withLock("Describe "+d.GoType, read); err != nil {
		d.Name = mt.typ.String()
	}
	return d
}
