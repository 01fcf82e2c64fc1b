// Package repotest はテスト用のインメモリStoreを提供する。
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/natilou/wallabag-kindle-consumer/internal/model"
	"github.com/natilou/wallabag-kindle-consumer/internal/repository"
)

// Store はrepository.Storeのインメモリ実装。
// InSessionはスナップショットを読み、fnが成功した場合のみ変更したキーだけを反映する。
// 書き込み系の操作は他のセッションでコミット済みのユーザー削除を検出する。
type Store struct {
	mu     sync.Mutex
	users  map[string]*model.User
	jobs   map[int64]*model.Job
	nextID int64

	// Sessions はInSessionの呼び出し回数。
	Sessions int
	// FailNext が設定されている場合、次のInSessionはfnを呼ばずにこのエラーを返す。
	FailNext error
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		users: make(map[string]*model.User),
		jobs:  make(map[int64]*model.Job),
	}
}

// AddUser はユーザーを直接登録する。
func (s *Store) AddUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Name] = &u
}

// RemoveUser はユーザーとそのジョブを直接削除する。進行中のセッションとは独立にコミットされる。
func (s *Store) RemoveUser(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeUserLocked(name)
}

func (s *Store) removeUserLocked(name string) {
	delete(s.users, name)
	for id, j := range s.jobs {
		if j.UserName == name {
			delete(s.jobs, id)
		}
	}
}

func (s *Store) userExists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[name]
	return ok
}

func (s *Store) allocateID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// User はユーザーのコピーを返す。
func (s *Store) User(name string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return model.User{}, false
	}
	return *u, true
}

// AddJob はジョブを直接登録し、採番したIDを返す。
func (s *Store) AddJob(j model.Job) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	j.ID = s.nextID
	s.jobs[j.ID] = &j
	return j.ID
}

// Jobs は現在のジョブをID順に返す。
func (s *Store) Jobs() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// InSession はfnをスナップショット上で実行し、成功時に変更を反映する。
// database/sqlと同様に、ctxが取り消されている場合は開始もコミットもしない。
func (s *Store) InSession(ctx context.Context, fn func(repository.Session) error) error {
	s.mu.Lock()
	s.Sessions++
	if err := s.FailNext; err != nil {
		s.FailNext = nil
		s.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	sess := &session{
		parent:       s,
		users:        make(map[string]*model.User, len(s.users)),
		jobs:         make(map[int64]*model.Job, len(s.jobs)),
		createdUsers: make(map[string]bool),
		updatedUsers: make(map[string]bool),
		removedUsers: make(map[string]bool),
		addedJobs:    make(map[int64]bool),
		removedJobs:  make(map[int64]bool),
	}
	for k, u := range s.users {
		c := *u
		sess.users[k] = &c
	}
	for k, j := range s.jobs {
		c := *j
		sess.jobs[k] = &c
	}
	s.mu.Unlock()

	if err := fn(sess); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range sess.removedUsers {
		s.removeUserLocked(name)
	}
	for name := range sess.createdUsers {
		if u, ok := sess.users[name]; ok {
			c := *u
			s.users[name] = &c
		}
	}
	for name := range sess.updatedUsers {
		u, ok := sess.users[name]
		if !ok {
			continue
		}
		if _, exists := s.users[name]; !exists {
			continue
		}
		c := *u
		s.users[name] = &c
	}
	for id := range sess.addedJobs {
		j, ok := sess.jobs[id]
		if !ok {
			continue
		}
		if _, exists := s.users[j.UserName]; !exists {
			continue
		}
		c := *j
		s.jobs[id] = &c
	}
	for id := range sess.removedJobs {
		delete(s.jobs, id)
	}
	return nil
}

type session struct {
	parent *Store

	mu    sync.Mutex
	users map[string]*model.User
	jobs  map[int64]*model.Job

	createdUsers map[string]bool
	updatedUsers map[string]bool
	removedUsers map[string]bool
	addedJobs    map[int64]bool
	removedJobs  map[int64]bool
}

func (s *session) Users() repository.UserRepository { return userRepo{s} }
func (s *session) Jobs() repository.JobRepository   { return jobRepo{s} }

type userRepo struct{ s *session }

func (r userRepo) FindByName(_ context.Context, name string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[name]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (r userRepo) Create(_ context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[user.Name]; ok {
		return repository.ErrUserExists
	}
	c := *user
	r.s.users[user.Name] = &c
	delete(r.s.removedUsers, user.Name)
	r.s.createdUsers[user.Name] = true
	return nil
}

func (r userRepo) Delete(_ context.Context, name string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[name]; !ok {
		return fmt.Errorf("%w: %s", repository.ErrUserNotFound, name)
	}
	delete(r.s.users, name)
	delete(r.s.createdUsers, name)
	delete(r.s.updatedUsers, name)
	r.s.removedUsers[name] = true
	for id, j := range r.s.jobs {
		if j.UserName == name {
			delete(r.s.jobs, id)
			delete(r.s.addedJobs, id)
		}
	}
	return nil
}

func (r userRepo) list(keep func(*model.User) bool) []*model.User {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.User
	for _, u := range r.s.users {
		if keep(u) {
			c := *u
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (r userRepo) ListActive(_ context.Context) ([]*model.User, error) {
	return r.list(func(u *model.User) bool { return u.Active }), nil
}

func (r userRepo) ListExpiring(_ context.Context, before time.Time) ([]*model.User, error) {
	return r.list(func(u *model.User) bool { return u.Active && u.TokenValid.Before(before) }), nil
}

func (r userRepo) MinActiveTokenValid(_ context.Context) (time.Time, bool, error) {
	var min time.Time
	ok := false
	for _, u := range r.list(func(u *model.User) bool { return u.Active }) {
		if !ok || u.TokenValid.Before(min) {
			min = u.TokenValid
			ok = true
		}
	}
	return min, ok, nil
}

// update は他のセッションで削除済みのユーザーも見つからないものとして扱う。
func (r userRepo) update(name string, fn func(*model.User)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[name]
	if !ok || (!r.s.createdUsers[name] && !r.s.parent.userExists(name)) {
		return fmt.Errorf("%w: %s", repository.ErrUserNotFound, name)
	}
	fn(u)
	if !r.s.createdUsers[name] {
		r.s.updatedUsers[name] = true
	}
	return nil
}

func (r userRepo) UpdateCredentials(_ context.Context, name string, creds model.Credentials) error {
	return r.update(name, func(u *model.User) {
		u.ApplyCredentials(creds)
		u.Active = true
	})
}

func (r userRepo) Deactivate(_ context.Context, name string) error {
	return r.update(name, func(u *model.User) { u.Active = false })
}

func (r userRepo) UpdateLastCheck(_ context.Context, name string, at time.Time) error {
	return r.update(name, func(u *model.User) { u.LastCheck = &at })
}

type jobRepo struct{ s *session }

func (r jobRepo) Create(_ context.Context, job *model.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.users[job.UserName]
	if !ok || (!r.s.createdUsers[job.UserName] && !r.s.parent.userExists(job.UserName)) {
		return fmt.Errorf("%w: %s", repository.ErrUserNotFound, job.UserName)
	}
	job.ID = r.s.parent.allocateID()
	c := *job
	c.User = nil
	r.s.jobs[job.ID] = &c
	r.s.addedJobs[job.ID] = true
	return nil
}

func (r jobRepo) ListPending(_ context.Context) ([]*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*model.Job, 0, len(r.s.jobs))
	for _, j := range r.s.jobs {
		c := *j
		if u, ok := r.s.users[j.UserName]; ok {
			uc := *u
			c.User = &uc
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r jobRepo) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.jobs, id)
	if r.s.addedJobs[id] {
		delete(r.s.addedJobs, id)
		return nil
	}
	r.s.removedJobs[id] = true
	return nil
}

var _ repository.Store = (*Store)(nil)
