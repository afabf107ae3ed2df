package repository

import "github.com/bytedance/sonic"

func marshalCached[T any](v T) string {
	payload, err := sonic.MarshalString(v)
	if err != nil {
		return ""
	}
	return payload
}

func unmarshalCached[T any](raw string) (*T, error) {
	out := new(T)
	if err := sonic.UnmarshalString(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}
