package agent

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Type represents a specific type of an agent Config.
// Config's with this type can create Agents of the corresponding type.
//
// For example, if a Config has Type CategoricalVanillaPGMLP, then the
// Config is used to construct Vanilla Policy Gradient agents using
// categorical policies.
type Type string

const (
	EGreedyDeepQMLP         Type = "EGreedyDeepQ-MLP"
	EGreedyFQFMLP           Type = "EGreedyFQF-MLP"
	CategoricalVanillaPGMLP Type = "CategoricalVanillaPG-MLP"
)

// Registered types with the package. Once a Type has been registered
// with this map, a Config or ConfigList with that type can be created.
//
// No Type's are registered with this package upon initialization.
// Each separate package is in charge of registering its Type with
// the package separately to avoid circular imports.
var registeredTypes map[Type]reflect.Type

func init() {
	registeredTypes = make(map[Type]reflect.Type)
}

// Register registers an agent's Type with a concrete ConfigList type
// so that upon deserialization of a TypedConfigList, ConfigLists of
// type agentType are deserialized into the concrete type of configs.
//
// Note that each package is required to register its own Config's
// with an agentType separately. This package registers no agentTypes
// with any Config's. This is to avoid circular imports.
func Register(agentType Type, configs ConfigList) {
	registeredTypes[agentType] = reflect.TypeOf(configs)
}

// ConfigList implements a list of Config's of a single Type in a more
// efficient manner than a slice of Config's: each hyperparameter is
// stored once in a slice, and the list holds every combination of
// hyperparameter settings.
type ConfigList interface {
	// Type returns the type of Config stored in the list
	Type() Type

	// Config returns an empty Config of the same type as that stored
	// by the ConfigList
	Config() Config

	// Len returns the number of Config's in the list
	Len() int

	// NumFields returns the number of settable fields in a Config
	NumFields() int
}

// ConfigAt returns the Config at index i of a ConfigList. Configs are
// ordered by every combination of the list's hyperparameter slices,
// with later fields cycling fastest. The concrete type of the list
// must be a struct of slices whose field names match the fields of
// the Config the list stores.
func ConfigAt(i int, list ConfigList) Config {
	if i < 0 || i >= list.Len() {
		panic(fmt.Sprintf("configat: index out of range [%v] with length %v",
			i, list.Len()))
	}

	listValue := reflect.ValueOf(list)
	configValue := reflect.New(reflect.TypeOf(list.Config())).Elem()

	index := i
	for j := listValue.NumField() - 1; j >= 0; j-- {
		field := listValue.Field(j)
		if field.Kind() != reflect.Slice {
			continue
		}

		choice := index % field.Len()
		index /= field.Len()

		name := listValue.Type().Field(j).Name
		target := configValue.FieldByName(name)
		if target.IsValid() && target.CanSet() {
			target.Set(field.Index(choice))
		}
	}

	return configValue.Interface().(Config)
}

// TypedConfigList implements functionality for typing a ConfigList.
// In this way, a ConfigList can explicitly have its type stored so
// that when deserializing the ConfigList, we can deserialize it into
// its concrete type without knowing beforehand or declaring beforehand
// a variable of its concrete type.
type TypedConfigList struct {
	Type
	ConfigList
}

// NewTypedConfigList types the argument ConfigList and returns it
// as a TypedConfigList which explicitly holds its Type.
func NewTypedConfigList(c ConfigList) TypedConfigList {
	return TypedConfigList{Type: c.Type(), ConfigList: c}
}

// UnmarshalJSON implements the json.Unmarshaller interface
func (j *TypedConfigList) UnmarshalJSON(data []byte) error {
	configs, typeName, err := unmarshalConfigList(
		data,
		"Type",
		"ConfigList")
	if err != nil {
		return err
	}

	j.Type = typeName
	j.ConfigList = configs

	return nil
}

// unmarshalConfigList uses reflection to unmarshall a ConfigList into
// its concrete type. Both the ConfigList and its Type are returned.
func unmarshalConfigList(data []byte, typeJsonField,
	valueJsonField string) (ConfigList, Type, error) {
	m := map[string]interface{}{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", err
	}

	name, ok := m[typeJsonField].(string)
	if !ok {
		return nil, "", fmt.Errorf("unmarshalconfiglist: no such field %v",
			typeJsonField)
	}
	typeName := Type(name)
	var value ConfigList
	if ty, found := registeredTypes[typeName]; found {
		value = reflect.New(ty).Interface().(ConfigList)
	} else {
		return nil, "", fmt.Errorf("unmarshalconfiglist: no registered "+
			"type %v", typeName)
	}

	valueBytes, err := json.Marshal(m[valueJsonField])
	if err != nil {
		return nil, "", err
	}

	if err = json.Unmarshal(valueBytes, &value); err != nil {
		return nil, "", err
	}
	concreteValue := reflect.ValueOf(value).Elem().Interface().(ConfigList)

	return concreteValue, typeName, nil
}

// At returns the Config at index i in the TypedConfigList
func (t *TypedConfigList) At(i int) Config {
	return ConfigAt(i, t.ConfigList)
}
