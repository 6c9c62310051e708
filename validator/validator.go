// Package validator 校验 MQTT 上报样本，防止越界读数进入链上写入。
package validator

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/eddielth/ddg-agent/telemetry"
)

// Validator 表示数据验证器接口
type Validator interface {
	Validate(data interface{}) error
}

// RangeValidator 校验结构体数值字段在 [Min, Max] 内
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate 实现 Validator
func (rv *RangeValidator) Validate(data interface{}) error {
	field, err := fieldOf(data, rv.Field)
	if err != nil {
		return err
	}

	var value float64
	switch field.Kind() {
	case reflect.Float32, reflect.Float64:
		value = field.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		value = float64(field.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		value = float64(field.Uint())
	default:
		return fmt.Errorf("字段 %s 不是数值类型", rv.Field)
	}

	if value < rv.Min || value > rv.Max {
		return fmt.Errorf("字段 %s 的值 %v 不在范围 [%v, %v] 内", rv.Field, value, rv.Min, rv.Max)
	}
	return nil
}

// RequiredValidator 校验字符串字段非空
type RequiredValidator struct {
	Field string
}

// Validate 实现 Validator
func (r *RequiredValidator) Validate(data interface{}) error {
	field, err := fieldOf(data, r.Field)
	if err != nil {
		return err
	}
	if field.Kind() != reflect.String {
		return fmt.Errorf("字段 %s 不是字符串类型", r.Field)
	}
	if field.String() == "" {
		return fmt.Errorf("字段 %s 不能为空", r.Field)
	}
	return nil
}

func fieldOf(data interface{}, name string) (reflect.Value, error) {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("数据必须是结构体类型")
	}

	field := v.FieldByName(name)
	if !field.IsValid() {
		return reflect.Value{}, fmt.Errorf("字段 %s 不存在", name)
	}
	return field, nil
}

// Chain 依次执行所有验证器并汇总错误
type Chain []Validator

// Validate 实现 Validator
func (c Chain) Validate(data interface{}) error {
	var errs []error
	for _, v := range c {
		if err := v.Validate(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SampleValidator 返回样本的默认校验规则（定点数 ×100）：
// 温度 0~150°C，CPU 与内存 0~100%。注册表只接受非负指标。
func SampleValidator() Chain {
	return Chain{
		&RequiredValidator{Field: "DeviceID"},
		&RangeValidator{Field: "Temperature", Min: 0, Max: 150 * telemetry.Scale},
		&RangeValidator{Field: "CPUUsage", Min: 0, Max: 100 * telemetry.Scale},
		&RangeValidator{Field: "MemoryUsage", Min: 0, Max: 100 * telemetry.Scale},
	}
}
