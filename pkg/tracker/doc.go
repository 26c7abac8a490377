/*
Package tracker is a client for the remote ALM tracker's REST API (Jira
Cloud v3 shaped).

	POST /rest/api/3/issue          create, returns {key}
	PUT  /rest/api/3/issue/{key}    update, 204 or 404
	GET  /rest/api/3/issue/{key}    fetch, 200 or 404
	POST /rest/api/3/issueLink      link a defect to its requirement
	GET  /rest/api/3/search?jql=    search by idempotency label

Every call passes through a token-bucket limiter shared by the process and
is bounded by Config.Timeout. Responses are mapped onto the syncerr
taxonomy:

	2xx               success
	404 on a key      syncerr.Stale (reference repair)
	429, 5xx, network syncerr.Transient
	other 4xx         syncerr.Permanent

Rich text goes over the wire as Atlassian Document Format; Doc, Paragraph,
Field and BulletList build documents and PlainText flattens them back for
the warehouse mirror.
*/
package tracker
