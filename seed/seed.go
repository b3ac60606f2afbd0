// Package seed holds the fixed demo records used when neither storage nor
// the remote has any data.
package seed

import "github.com/stevemurr/crm-sync-server/record"

// Collection names, in seeding order.
var CollectionNames = []string{
	"leads", "contacts", "accounts", "deals", "tasks",
	"meetings", "calls", "invoices", "reports", "dashboards",
}

// Singleton names.
var SingletonNames = []string{"user", "settings"}

// IsSingleton reports whether name is a singleton key.
func IsSingleton(name string) bool {
	for _, s := range SingletonNames {
		if s == name {
			return true
		}
	}
	return false
}

// Collections returns a fresh copy of the demo collections. Numbers are
// float64, matching what a JSON round trip produces.
func Collections() map[string][]record.Record {
	return map[string][]record.Record{
		"leads": {
			{
				"id": "lead_1", "name": "John Smith", "email": "john.smith@example.com",
				"phone": "+1-555-0123", "company": "Tech Solutions Inc", "status": "New",
				"source": "Website", "value": float64(25000),
				"createdAt": "2024-01-15T10:30:00Z", "updatedAt": "2024-01-15T10:30:00Z",
			},
			{
				"id": "lead_2", "name": "Sarah Johnson", "email": "sarah.johnson@example.com",
				"phone": "+1-555-0124", "company": "Digital Marketing Co", "status": "Qualified",
				"source": "Referral", "value": float64(35000),
				"createdAt": "2024-01-14T14:20:00Z", "updatedAt": "2024-01-16T09:15:00Z",
			},
		},
		"contacts": {
			{
				"id": "contact_1", "firstName": "Alice", "lastName": "Brown",
				"email": "alice.brown@company.com", "phone": "+1-555-0125",
				"company": "Brown Industries", "title": "VP Marketing", "department": "Marketing",
				"createdAt": "2024-01-10T08:00:00Z", "updatedAt": "2024-01-10T08:00:00Z",
			},
			{
				"id": "contact_2", "firstName": "Michael", "lastName": "Davis",
				"email": "michael.davis@corp.com", "phone": "+1-555-0126",
				"company": "Davis Corporation", "title": "Director of Sales", "department": "Sales",
				"createdAt": "2024-01-12T11:30:00Z", "updatedAt": "2024-01-12T11:30:00Z",
			},
		},
		"accounts": {
			{
				"id": "account_1", "name": "Enterprise Solutions Ltd", "industry": "Technology",
				"type": "Customer", "employees": float64(500), "revenue": float64(10000000),
				"website": "https://enterprise-solutions.com", "phone": "+1-555-0127",
				"address":   "123 Business Ave, Suite 100, City, State 12345",
				"createdAt": "2024-01-05T16:45:00Z", "updatedAt": "2024-01-05T16:45:00Z",
			},
		},
		"deals": {
			{
				"id": "deal_1", "name": "Q1 Software License Deal", "amount": float64(75000),
				"stage": "Negotiation", "probability": float64(75), "closeDate": "2024-03-31",
				"accountId": "account_1", "contactId": "contact_1",
				"description": "Annual software licensing agreement",
				"createdAt":   "2024-01-08T12:00:00Z", "updatedAt": "2024-01-20T15:30:00Z",
			},
		},
		"tasks": {
			{
				"id": "task_1", "subject": "Follow up with Enterprise Solutions",
				"description": "Call to discuss contract terms", "status": "Not Started",
				"priority": "High", "dueDate": "2024-02-15", "assignedTo": "current_user",
				"relatedTo": "deal_1",
				"createdAt": "2024-01-20T09:00:00Z", "updatedAt": "2024-01-20T09:00:00Z",
			},
		},
		"meetings": {
			{
				"id": "meeting_1", "title": "Contract Review Meeting",
				"description": "Review contract terms with legal team",
				"startTime":   "2024-02-20T14:00:00Z", "endTime": "2024-02-20T15:00:00Z",
				"location":  "Conference Room A",
				"attendees": []any{"current_user", "contact_1"}, "relatedTo": "deal_1",
				"createdAt": "2024-01-18T10:00:00Z", "updatedAt": "2024-01-18T10:00:00Z",
			},
		},
		"calls": {
			{
				"id": "call_1", "subject": "Discovery Call",
				"description": "Initial discovery call to understand requirements",
				"duration":    float64(45), "callType": "Outbound", "status": "Completed",
				"callTime": "2024-01-19T10:30:00Z", "contactId": "contact_2",
				"createdAt": "2024-01-19T10:30:00Z", "updatedAt": "2024-01-19T11:15:00Z",
			},
		},
		"invoices": {
			{
				"id": "invoice_1", "number": "INV-2024-001", "amount": float64(25000),
				"status": "Sent", "dueDate": "2024-02-28", "issueDate": "2024-01-28",
				"accountId": "account_1",
				"items": []any{
					map[string]any{
						"description": "Software License", "quantity": float64(1),
						"rate": float64(25000), "amount": float64(25000),
					},
				},
				"createdAt": "2024-01-28T14:00:00Z", "updatedAt": "2024-01-28T14:00:00Z",
			},
		},
		"reports": {
			{
				"id": "report_1", "name": "Monthly Sales Report", "type": "Sales",
				"description": "Monthly sales performance analysis",
				"data": map[string]any{
					"totalDeals": float64(15), "totalValue": float64(450000),
					"wonDeals": float64(8), "lostDeals": float64(2),
					"pipelineValue": float64(275000),
				},
				"createdAt": "2024-01-31T23:59:59Z", "updatedAt": "2024-01-31T23:59:59Z",
			},
		},
		"dashboards": {
			{
				"id": "dashboard_1", "name": "Sales Dashboard",
				"widgets": []any{
					map[string]any{"type": "metric", "title": "Total Revenue", "value": float64(450000)},
					map[string]any{"type": "metric", "title": "Open Deals", "value": float64(15)},
					map[string]any{"type": "chart", "title": "Sales Trend", "data": []any{}},
				},
				"createdAt": "2024-01-01T00:00:00Z", "updatedAt": "2024-01-31T23:59:59Z",
			},
		},
	}
}

// Singletons returns a fresh copy of the demo user and settings.
func Singletons() map[string]record.Record {
	return map[string]record.Record{
		"user": {
			"id": "current_user", "firstName": "Soumitra", "lastName": "Deshpande",
			"email": "soumitra@company.com", "role": "Administrator", "department": "Sales",
			"preferences": map[string]any{
				"theme": "light", "timezone": "America/New_York",
				"dateFormat": "MM/DD/YYYY", "currency": "USD",
			},
		},
		"settings": {
			"company": map[string]any{
				"name": "CRM Teamspace", "industry": "Technology",
				"timezone": "America/New_York", "currency": "USD", "dateFormat": "MM/DD/YYYY",
			},
			"integrations": map[string]any{
				"email":    map[string]any{"enabled": true, "provider": "gmail"},
				"calendar": map[string]any{"enabled": true, "provider": "google"},
				"phone":    map[string]any{"enabled": false, "provider": nil},
			},
		},
	}
}
