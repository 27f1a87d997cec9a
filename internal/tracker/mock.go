package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockService is an in-memory tracker used by tests and by the
// CYRUS_MOCK_TRACKER end-to-end mode.
type MockService struct {
	mu sync.Mutex

	Issues     map[string]*Issue
	Users      map[string]*User
	Teams      []Team
	Comments   map[string][]Comment // issueID -> thread
	Activities map[string][]Activity

	nextCommentID int
}

// NewMockService creates an empty mock tracker.
func NewMockService() *MockService {
	return &MockService{
		Issues:     make(map[string]*Issue),
		Users:      make(map[string]*User),
		Comments:   make(map[string][]Comment),
		Activities: make(map[string][]Activity),
	}
}

func (s *MockService) Viewer(context.Context) (*User, error) {
	return &User{ID: "agent-user", Name: "cyrus", IsBot: true}, nil
}

func (s *MockService) GetIssue(_ context.Context, issueID string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.Issues[issueID]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", issueID)
	}
	copied := *issue
	return &copied, nil
}

func (s *MockService) GetComment(_ context.Context, commentID string) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, thread := range s.Comments {
		for _, comment := range thread {
			if comment.ID == commentID {
				copied := comment
				return &copied, nil
			}
		}
	}
	return nil, fmt.Errorf("comment %s not found", commentID)
}

func (s *MockService) GetUser(_ context.Context, userID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.Users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s not found", userID)
	}
	copied := *user
	return &copied, nil
}

func (s *MockService) ListTeams(context.Context) ([]Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Team(nil), s.Teams...), nil
}

func (s *MockService) ListLabels(context.Context, string) ([]Label, error) {
	return nil, nil
}

func (s *MockService) ListWorkflowStates(context.Context, string) ([]WorkflowState, error) {
	return []WorkflowState{
		{ID: "st-1", Name: "Todo", Type: "unstarted"},
		{ID: "st-2", Name: "In Progress", Type: "started"},
		{ID: "st-3", Name: "Done", Type: "completed"},
	}, nil
}

func (s *MockService) ListComments(_ context.Context, issueID string) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Comment(nil), s.Comments[issueID]...), nil
}

func (s *MockService) CreateComment(_ context.Context, issueID, body, parentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCommentID++
	comment := Comment{
		ID:        fmt.Sprintf("comment-%d", s.nextCommentID),
		Body:      body,
		AuthorID:  "agent-user",
		Author:    "cyrus",
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	}
	s.Comments[issueID] = append(s.Comments[issueID], comment)
	return comment.ID, nil
}

func (s *MockService) UpdateComment(_ context.Context, commentID, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for issueID, thread := range s.Comments {
		for i := range thread {
			if thread[i].ID == commentID {
				s.Comments[issueID][i].Body = body
				return nil
			}
		}
	}
	return fmt.Errorf("comment %s not found", commentID)
}

func (s *MockService) PostActivity(ctx context.Context, issueID string, activity *Activity) (string, error) {
	s.mu.Lock()
	s.Activities[issueID] = append(s.Activities[issueID], *activity)
	s.mu.Unlock()
	return s.CreateComment(ctx, issueID, RenderActivityBody(activity), activity.SourceCommentID)
}

func (s *MockService) UploadAttachment(_ context.Context, filename, _ string, _ []byte) (*Attachment, error) {
	return &Attachment{URL: "mock://uploads/" + filename, Filename: filename}, nil
}
