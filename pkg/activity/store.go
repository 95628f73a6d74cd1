package activity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store локальное JSON зеркало буфера активности.
//
// Смысл зеркала - пережить перезапуск клиента: свежий контекст активности
// виден сразу, не дожидаясь новых уведомлений. Все операции best-effort,
// сбой записи не должен ронять поток.
type Store struct {
	path string
}

// NewStore создает зеркало по указанному пути файла.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load читает записи из зеркала. Отсутствие файла - не ошибка.
func (s *Store) Load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("чтение зеркала активности %s: %w", s.path, err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("разбор зеркала активности %s: %w", s.path, err)
	}
	return entries, nil
}

// Save атомарно записывает текущее содержимое буфера.
func (s *Store) Save(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("сериализация зеркала активности: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("каталог зеркала активности: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("запись зеркала активности: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("замена зеркала активности: %w", err)
	}
	return nil
}
