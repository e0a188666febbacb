package bitrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, routes func(r *mux.Router)) *Client {
	t.Helper()
	r := mux.NewRouter()
	routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/rest/1/secret/", WithRateLimit(0, 0))
}

func TestClientCallDecodesEnvelope(t *testing.T) {
	var gotParams ListParams
	c := newTestServer(t, func(r *mux.Router) {
		r.HandleFunc("/rest/1/secret/crm.lead.list.json", func(w http.ResponseWriter, req *http.Request) {
			require.Equal(t, http.MethodPost, req.Method)
			require.NoError(t, json.NewDecoder(req.Body).Decode(&gotParams))
			w.Write([]byte(`{"result":[{"ID":"1","TITLE":"a"},{"ID":"2","TITLE":"b"}],"total":3,"next":2}`))
		})
	})

	page, err := List(context.Background(), c, "crm.lead.list", ListParams{
		Select: DefaultSelect,
		Order:  map[string]string{"ID": DirectionAscending},
		Start:  0,
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "b", page.Records[1]["TITLE"])
	require.Equal(t, 3, page.Total)
	require.NotNil(t, page.Next)
	require.Equal(t, 2, *page.Next)
	require.Equal(t, DefaultSelect, gotParams.Select)
	require.Equal(t, "ASC", gotParams.Order["ID"])
}

func TestClientCallLastPageHasNoNext(t *testing.T) {
	c := newTestServer(t, func(r *mux.Router) {
		r.HandleFunc("/rest/1/secret/user.get.json", func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte(`{"result":[{"ID":5,"EMAIL":"a@b.c","ACTIVE":true}],"total":1}`))
		})
	})

	resp, err := c.Call(context.Background(), MethodUserGet, map[string]any{"start": 0})
	require.NoError(t, err)
	require.Nil(t, resp.Next)

	var users []User
	require.NoError(t, resp.Decode(&users))
	require.Equal(t, ID("5"), users[0].ID)
	require.True(t, bool(users[0].Active))
}

func TestClientCallRemoteError(t *testing.T) {
	c := newTestServer(t, func(r *mux.Router) {
		r.HandleFunc("/rest/1/secret/crm.deal.list.json", func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"QUERY_LIMIT_EXCEEDED","error_description":"Too many requests"}`))
		})
		r.HandleFunc("/rest/1/secret/crm.bad.list.json", func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"ERROR_METHOD_NOT_FOUND","error_description":"Method not found!"}`))
		})
	})

	_, err := c.Call(context.Background(), "crm.deal.list", nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "QUERY_LIMIT_EXCEEDED", re.Code)
	require.True(t, IsTemporary(err))

	_, err = c.Call(context.Background(), "crm.bad.list", nil)
	require.ErrorAs(t, err, &re)
	require.False(t, IsTemporary(err))
	require.Contains(t, err.Error(), "Method not found!")
}

func TestDecodeListSingleObject(t *testing.T) {
	resp := &Response{Result: json.RawMessage(`{"ID":"9","SUBJECT":"hi","SETTINGS":[]}`)}
	acts, err := DecodeList[Activity](resp)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Equal(t, ID("9"), acts[0].ID)
	require.Empty(t, acts[0].Settings.EmailMeta)

	empty, err := DecodeList[Activity](&Response{Result: json.RawMessage(`null`)})
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestCommentFilesShapes(t *testing.T) {
	var c Comment
	require.NoError(t, json.Unmarshal([]byte(`{"ID":1,"FILES":[]}`), &c))
	require.Empty(t, c.Files)

	require.NoError(t, json.Unmarshal([]byte(`{"ID":1,"FILES":{"7":{"id":7,"name":"a.txt","size":3,"urlDownload":"http://x/7"}}}`), &c))
	require.Equal(t, "a.txt", c.Files["7"].Name)
	require.Equal(t, int64(3), c.Files["7"].Size)
}

func TestParseTime(t *testing.T) {
	require.Equal(t, 2024, ParseTime("2024-03-01T10:00:00+03:00").Year())
	require.True(t, ParseTime("").IsZero())
	require.True(t, ParseTime("garbage").IsZero())
}
