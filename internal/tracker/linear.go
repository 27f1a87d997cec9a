package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

const defaultLinearEndpoint = "https://api.linear.app/graphql"

// LinearClient implements Service against the Linear GraphQL API.
type LinearClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *logger.Logger

	viewer *User // cached after first Viewer call
}

// NewLinearClient creates a client authenticated with an API token.
func NewLinearClient(token string, log *logger.Logger) *LinearClient {
	return &LinearClient{
		endpoint: defaultLinearEndpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log,
	}
}

// SetEndpoint overrides the API endpoint. Used by tests.
func (c *LinearClient) SetEndpoint(endpoint string) {
	c.endpoint = endpoint
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// query executes a GraphQL request and decodes the data payload into out.
func (c *LinearClient) query(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graphql request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read graphql response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			messages[i] = e.Message
		}
		return fmt.Errorf("tracker query failed: %s", strings.Join(messages, "; "))
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode graphql data: %w", err)
		}
	}
	return nil
}

func (c *LinearClient) Viewer(ctx context.Context) (*User, error) {
	if c.viewer != nil {
		return c.viewer, nil
	}
	var data struct {
		Viewer struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			Email       string `json:"email"`
		} `json:"viewer"`
	}
	err := c.query(ctx, `query { viewer { id name displayName email } }`, nil, &data)
	if err != nil {
		return nil, err
	}
	c.viewer = &User{
		ID:          data.Viewer.ID,
		Name:        data.Viewer.Name,
		DisplayName: data.Viewer.DisplayName,
		Email:       data.Viewer.Email,
	}
	return c.viewer, nil
}

func (c *LinearClient) GetIssue(ctx context.Context, issueID string) (*Issue, error) {
	var data struct {
		Issue struct {
			ID          string `json:"id"`
			Identifier  string `json:"identifier"`
			Title       string `json:"title"`
			Description string `json:"description"`
			URL         string `json:"url"`
			BranchName  string `json:"branchName"`
			Team        struct {
				Key string `json:"key"`
			} `json:"team"`
			State struct {
				Name string `json:"name"`
			} `json:"state"`
			Assignee struct {
				ID string `json:"id"`
			} `json:"assignee"`
			Labels struct {
				Nodes []struct {
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"labels"`
		} `json:"issue"`
	}
	err := c.query(ctx, `query($id: String!) {
		issue(id: $id) {
			id identifier title description url branchName
			team { key }
			state { name }
			assignee { id }
			labels { nodes { name } }
		}
	}`, map[string]interface{}{"id": issueID}, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue %s: %w", issueID, err)
	}

	issue := &Issue{
		ID:          data.Issue.ID,
		Identifier:  data.Issue.Identifier,
		Title:       data.Issue.Title,
		Description: data.Issue.Description,
		URL:         data.Issue.URL,
		BranchName:  data.Issue.BranchName,
		TeamKey:     data.Issue.Team.Key,
		StateName:   data.Issue.State.Name,
		AssigneeID:  data.Issue.Assignee.ID,
	}
	for _, label := range data.Issue.Labels.Nodes {
		issue.Labels = append(issue.Labels, label.Name)
	}
	return issue, nil
}

func (c *LinearClient) GetComment(ctx context.Context, commentID string) (*Comment, error) {
	var data struct {
		Comment struct {
			ID        string    `json:"id"`
			Body      string    `json:"body"`
			CreatedAt time.Time `json:"createdAt"`
			User      struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"user"`
			Parent struct {
				ID string `json:"id"`
			} `json:"parent"`
		} `json:"comment"`
	}
	err := c.query(ctx, `query($id: String!) {
		comment(id: $id) {
			id body createdAt
			user { id name }
			parent { id }
		}
	}`, map[string]interface{}{"id": commentID}, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch comment %s: %w", commentID, err)
	}
	return &Comment{
		ID:        data.Comment.ID,
		Body:      data.Comment.Body,
		AuthorID:  data.Comment.User.ID,
		Author:    data.Comment.User.Name,
		ParentID:  data.Comment.Parent.ID,
		CreatedAt: data.Comment.CreatedAt,
	}, nil
}

func (c *LinearClient) GetUser(ctx context.Context, userID string) (*User, error) {
	var data struct {
		User struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			Email       string `json:"email"`
		} `json:"user"`
	}
	err := c.query(ctx, `query($id: String!) {
		user(id: $id) { id name displayName email }
	}`, map[string]interface{}{"id": userID}, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %s: %w", userID, err)
	}
	return &User{
		ID:          data.User.ID,
		Name:        data.User.Name,
		DisplayName: data.User.DisplayName,
		Email:       data.User.Email,
	}, nil
}

func (c *LinearClient) ListTeams(ctx context.Context) ([]Team, error) {
	var data struct {
		Teams struct {
			Nodes []Team `json:"nodes"`
		} `json:"teams"`
	}
	err := c.query(ctx, `query { teams { nodes { id key name } } }`, nil, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	return data.Teams.Nodes, nil
}

func (c *LinearClient) ListLabels(ctx context.Context, teamID string) ([]Label, error) {
	var data struct {
		Team struct {
			Labels struct {
				Nodes []Label `json:"nodes"`
			} `json:"labels"`
		} `json:"team"`
	}
	err := c.query(ctx, `query($id: String!) {
		team(id: $id) { labels { nodes { id name } } }
	}`, map[string]interface{}{"id": teamID}, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	return data.Team.Labels.Nodes, nil
}

func (c *LinearClient) ListWorkflowStates(ctx context.Context, teamID string) ([]WorkflowState, error) {
	var data struct {
		Team struct {
			States struct {
				Nodes []WorkflowState `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	err := c.query(ctx, `query($id: String!) {
		team(id: $id) { states { nodes { id name type } } }
	}`, map[string]interface{}{"id": teamID}, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow states: %w", err)
	}
	return data.Team.States.Nodes, nil
}

func (c *LinearClient) ListComments(ctx context.Context, issueID string) ([]Comment, error) {
	var data struct {
		Issue struct {
			Comments struct {
				Nodes []struct {
					ID        string    `json:"id"`
					Body      string    `json:"body"`
					CreatedAt time.Time `json:"createdAt"`
					User      struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"user"`
					Parent struct {
						ID string `json:"id"`
					} `json:"parent"`
				} `json:"nodes"`
			} `json:"comments"`
		} `json:"issue"`
	}
	err := c.query(ctx, `query($id: String!) {
		issue(id: $id) {
			comments {
				nodes { id body createdAt user { id name } parent { id } }
			}
		}
	}`, map[string]interface{}{"id": issueID}, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}

	comments := make([]Comment, 0, len(data.Issue.Comments.Nodes))
	for _, node := range data.Issue.Comments.Nodes {
		comments = append(comments, Comment{
			ID:        node.ID,
			Body:      node.Body,
			AuthorID:  node.User.ID,
			Author:    node.User.Name,
			ParentID:  node.Parent.ID,
			CreatedAt: node.CreatedAt,
		})
	}
	return comments, nil
}

func (c *LinearClient) CreateComment(ctx context.Context, issueID, body, parentID string) (string, error) {
	input := map[string]interface{}{
		"issueId": issueID,
		"body":    body,
	}
	if parentID != "" {
		input["parentId"] = parentID
	}

	var data struct {
		CommentCreate struct {
			Success bool `json:"success"`
			Comment struct {
				ID string `json:"id"`
			} `json:"comment"`
		} `json:"commentCreate"`
	}
	err := c.query(ctx, `mutation($input: CommentCreateInput!) {
		commentCreate(input: $input) { success comment { id } }
	}`, map[string]interface{}{"input": input}, &data)
	if err != nil {
		return "", fmt.Errorf("failed to create comment: %w", err)
	}
	if !data.CommentCreate.Success {
		return "", fmt.Errorf("tracker rejected comment creation")
	}
	return data.CommentCreate.Comment.ID, nil
}

func (c *LinearClient) UpdateComment(ctx context.Context, commentID, body string) error {
	var data struct {
		CommentUpdate struct {
			Success bool `json:"success"`
		} `json:"commentUpdate"`
	}
	err := c.query(ctx, `mutation($id: String!, $input: CommentUpdateInput!) {
		commentUpdate(id: $id, input: $input) { success }
	}`, map[string]interface{}{
		"id":    commentID,
		"input": map[string]interface{}{"body": body},
	}, &data)
	if err != nil {
		return fmt.Errorf("failed to update comment: %w", err)
	}
	if !data.CommentUpdate.Success {
		return fmt.Errorf("tracker rejected comment update")
	}
	return nil
}

func (c *LinearClient) PostActivity(ctx context.Context, issueID string, activity *Activity) (string, error) {
	body := RenderActivityBody(activity)
	id, err := c.CreateComment(ctx, issueID, body, activity.SourceCommentID)
	if err != nil {
		return "", err
	}
	c.logger.Debug("posted activity",
		zap.String("issue_id", issueID),
		zap.String("kind", activity.Kind),
		zap.Bool("ephemeral", activity.Ephemeral))
	return id, nil
}

func (c *LinearClient) UploadAttachment(ctx context.Context, filename, contentType string, data []byte) (*Attachment, error) {
	// Linear file uploads request a signed URL, then PUT the bytes.
	var upload struct {
		FileUpload struct {
			Success    bool `json:"success"`
			UploadFile struct {
				UploadURL string `json:"uploadUrl"`
				AssetURL  string `json:"assetUrl"`
				Headers   []struct {
					Key   string `json:"key"`
					Value string `json:"value"`
				} `json:"headers"`
			} `json:"uploadFile"`
		} `json:"fileUpload"`
	}
	err := c.query(ctx, `mutation($contentType: String!, $filename: String!, $size: Int!) {
		fileUpload(contentType: $contentType, filename: $filename, size: $size) {
			success
			uploadFile { uploadUrl assetUrl headers { key value } }
		}
	}`, map[string]interface{}{
		"contentType": contentType,
		"filename":    filename,
		"size":        len(data),
	}, &upload)
	if err != nil {
		return nil, fmt.Errorf("failed to request upload slot: %w", err)
	}
	if !upload.FileUpload.Success {
		return nil, fmt.Errorf("tracker rejected file upload request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		upload.FileUpload.UploadFile.UploadURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for _, h := range upload.FileUpload.UploadFile.Headers {
		req.Header.Set(h.Key, h.Value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to upload attachment: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("attachment upload returned status %d", resp.StatusCode)
	}

	return &Attachment{
		URL:      upload.FileUpload.UploadFile.AssetURL,
		Filename: filename,
	}, nil
}

// RenderActivityBody formats an activity as tracker markdown. Thoughts are
// italicized, actions are code-fenced, errors carry a warning marker.
func RenderActivityBody(activity *Activity) string {
	switch activity.Kind {
	case ActivityThought:
		return "_" + strings.TrimSpace(activity.Body) + "_"
	case ActivityError:
		return "⚠️ " + activity.Body
	case ActivityElicitation:
		return "❓ " + activity.Body
	default:
		return activity.Body
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
